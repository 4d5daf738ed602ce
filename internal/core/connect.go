package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"deployer/config"
	"deployer/internal/address"
	derr "deployer/internal/errors"
	"deployer/internal/protocol"
	"deployer/internal/service"
	"deployer/internal/session"
	"deployer/internal/transport"
	"deployer/util"
)

// ConnectMode attaches the local terminal to a running session server.
// It is the Client Attacher used by both DirectConnect and
// DaemonThenConnect.
type ConnectMode struct {
	Dialer transport.Dialer
	Addr   address.Address
	Path   string // working-directory hint sent in the handshake
	Logger *util.Logger

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	// Override in tests for deterministic I/O.
	Stdin  io.Reader
	Stdout io.Writer
}

func (m *ConnectMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *ConnectMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run dials the session, performs the attach handshake, and relays
// bytes until either side closes.  Every failure before the relay
// starts is a connection failure; nothing is retried.
func (m *ConnectMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	addr := string(m.Addr)
	m.Logger.Verbose("connecting to %s", addr)

	conn, err := m.Dialer.Dial(ctx, "unix", addr)
	if err != nil {
		return derr.Connection(addr, err)
	}
	defer conn.Close()

	req := protocol.Request{Action: protocol.ActionAttach, Path: m.Path}
	fd, isTTY := terminalFd(m.stdin())
	if isTTY {
		req.TTY = true
		req.Width, req.Height = terminalSize(m.stdout())
	}

	resp, err := protocol.RoundTrip(conn, req, config.DefaultHandshakeTimeout)
	if err != nil {
		return derr.Connection(addr, err)
	}
	if !resp.OK {
		return derr.Connection(addr, fmt.Errorf("%w: %s", derr.ErrRejected, resp.Error))
	}
	m.Logger.Verbose("attached to %s", addr)

	if isTTY {
		restore, err := makeRaw(fd)
		if err != nil {
			m.Logger.Warn("cannot switch terminal to raw mode: %v", err)
		} else {
			defer restore()
		}
	}

	sess := session.New(conn, m.stdin(), m.stdout(), m.Logger)
	return (&service.Relay{}).Handle(ctx, sess)
}
