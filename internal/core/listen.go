package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"deployer/config"
	"deployer/internal/address"
	derr "deployer/internal/errors"
	"deployer/internal/server"
	"deployer/internal/service"
	"deployer/util"
)

// ListenMode runs a session server in the foreground until it is
// stopped by a signal or by a client.
type ListenMode struct {
	// Addr is the address to bind; zero allocates the next free numeric
	// slot in User's namespace.
	Addr     address.Address
	Resolver address.Resolver
	User     string
	Policy   server.Policy
	Service  service.Service
	Logger   *util.Logger

	// Stdout receives the bound address.  Defaults to os.Stdout.
	Stdout io.Writer
}

func (m *ListenMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run binds the socket and serves clients until ctx is cancelled or
// the server is stopped.
func (m *ListenMode) Run(ctx context.Context) error {
	addr := m.Addr
	if addr.IsZero() {
		var err error
		if addr, err = m.Resolver.Allocate(m.User); err != nil {
			return derr.Bootstrap("allocate", "", err)
		}
	}

	srv := server.New(server.Config{
		Addr:    addr,
		Policy:  m.Policy,
		Service: m.Service,
		Logger:  m.Logger,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	if id := m.Resolver.ID(addr, m.User); id != "" {
		fmt.Fprintf(m.stdout(), "session %s listening on %s\n", id, addr)
	} else {
		fmt.Fprintf(m.stdout(), "session listening on %s\n", addr)
	}
	m.Logger.Verbose("policy %s", m.Policy)

	return srv.Serve(ctx)
}

// ── serve-daemon ─────────────────────────────────────────────────────

// ServeDaemonMode is the detached child started by DaemonMode.  It
// serves one address under the policy its parent chose.
type ServeDaemonMode struct {
	Addr    address.Address
	Policy  server.Policy
	Service service.Service
	Logger  *util.Logger
}

// Run serves until the policy or a signal stops the server.
func (m *ServeDaemonMode) Run(ctx context.Context) error {
	cfg := server.Config{
		Addr:    m.Addr,
		Policy:  m.Policy,
		Service: m.Service,
		Logger:  m.Logger,
	}
	if m.Policy.ShutdownOnLastDisconnect {
		cfg.IdleGrace = config.DefaultIdleGrace
	}
	m.Logger.Info("daemon %d serving %s (%s)", os.Getpid(), m.Addr, m.Policy)
	err := server.New(cfg).ListenAndServe(ctx)
	if err != nil {
		m.Logger.Error("daemon stopped: %v", err)
		return err
	}
	m.Logger.Info("daemon %d stopped", os.Getpid())
	return nil
}
