package core

import (
	"context"
	"os"

	"deployer/config"
	"deployer/internal/address"
	"deployer/internal/daemon"
	derr "deployer/internal/errors"
	"deployer/internal/protocol"
	"deployer/internal/server"
	"deployer/internal/transport"
	"deployer/util"
)

// DaemonMode makes sure a session server exists at the target address,
// spawning a detached one when needed, and then attaches to it.
//
//   - address given, socket file present: attach, no bootstrap.
//   - address given, no file: spawn a named daemon that outlives its
//     clients.
//   - no address: allocate a numeric slot and spawn an anonymous daemon
//     that exits after its last client.
type DaemonMode struct {
	Addr        address.Address
	Resolver    address.Resolver
	User        string
	Spawner     daemon.Spawner
	Interactive bool
	LogFile     string
	Verbose     int
	Logger      *util.Logger

	// Prober checks whether a concurrent invocation won a spawn race.
	// Defaults to a UnixDialer.
	Prober protocol.Dialer

	// Connect builds the attacher for the final address.
	Connect func(address.Address) *ConnectMode
}

// Run bootstraps (if required) and attaches.
func (m *DaemonMode) Run(ctx context.Context) error {
	addr, err := m.bootstrap(ctx)
	if err != nil {
		return err
	}
	return m.Connect(addr).Run(ctx)
}

func (m *DaemonMode) bootstrap(ctx context.Context) (address.Address, error) {
	if !m.Addr.IsZero() {
		if _, err := os.Lstat(string(m.Addr)); err == nil {
			m.Logger.Verbose("reusing session at %s", m.Addr)
			return m.Addr, nil
		}
		return m.spawn(ctx, m.Addr, server.Named(m.Interactive))
	}

	addr, err := m.Resolver.Allocate(m.User)
	if err != nil {
		return "", derr.Bootstrap("allocate", "", err)
	}
	return m.spawn(ctx, addr, server.Anonymous(m.Interactive))
}

func (m *DaemonMode) spawn(ctx context.Context, addr address.Address, policy server.Policy) (address.Address, error) {
	m.Logger.Verbose("spawning daemon for %s (%s)", addr, policy)
	h, err := m.Spawner.Spawn(ctx, daemon.Config{
		Addr:    addr,
		Policy:  policy,
		LogFile: m.LogFile,
		Verbose: m.Verbose,
	})
	if err == nil {
		return h.Addr, nil
	}

	// Two invocations raced for the same named address: the loser's
	// child cannot bind, but the winner's server is usable.
	if !m.Addr.IsZero() && (derr.Is(err, derr.ErrAddressInUse) || derr.Is(err, derr.ErrDaemonExited)) {
		if _, perr := protocol.Probe(ctx, m.prober(), string(addr), config.DefaultProbeTimeout); perr == nil {
			m.Logger.Verbose("%s was started concurrently, attaching", addr)
			return addr, nil
		}
	}
	return "", err
}

func (m *DaemonMode) prober() protocol.Dialer {
	if m.Prober != nil {
		return m.Prober
	}
	return &transport.UnixDialer{Timeout: config.DefaultProbeTimeout}
}
