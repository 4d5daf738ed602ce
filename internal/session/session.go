// Package session carries the runtime context of one attached client:
// its I/O endpoints, terminal geometry, and the hints it sent in the
// handshake.
//
// Services operate on sessions rather than raw connections, so the same
// shell runs over a unix socket, a telnet connection, or the local
// terminal in standalone mode.
package session

import (
	"io"
	"net"

	"deployer/util"
)

// Session is the context of a single client.
type Session struct {
	// Conn is the client connection; nil for an in-process session.
	Conn net.Conn
	In   io.Reader
	Out  io.Writer

	Path        string // working-directory hint
	TTY         bool
	Width       int
	Height      int
	Interactive bool

	Logger *util.Logger

	// Stop asks the hosting server to shut down.  Nil when there is no
	// server to stop.
	Stop func()
}

// New creates a Session bound to the given connection and I/O pair.
func New(conn net.Conn, in io.Reader, out io.Writer, logger *util.Logger) *Session {
	return &Session{
		Conn:        conn,
		In:          in,
		Out:         out,
		Interactive: true,
		Logger:      logger,
	}
}

// WithTerminal records a client terminal of the given size.
func (s *Session) WithTerminal(width, height int) *Session {
	s.TTY = true
	s.Width = width
	s.Height = height
	return s
}
