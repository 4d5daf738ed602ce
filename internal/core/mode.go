// Package core is the orchestration layer.  It turns validated options
// into one complete operational mode: a standalone shell, a foreground
// socket server, a daemon bootstrap followed by an attach, a direct
// attach, a telnet server, or a session listing.
//
// Architecture layers (bottom → top):
//
//	address/transport  →  session/service  →  server/daemon  →  core  →  cmd (CLI)
//
// Select is the single place where the transport decision is made, and
// Build is the single dispatch point that wires the chosen Kind to its
// collaborators.
package core

import (
	"context"
	"io"
	"os"

	"golang.org/x/term"
)

// Mode represents a complete operational mode.  Each mode owns its full
// lifecycle from bootstrap to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

// Kind identifies which Mode an invocation runs.
type Kind int

const (
	KindNone Kind = iota
	KindStandalone
	KindListen
	KindDaemonThenConnect
	KindDirectConnect
	KindTelnetServer
	KindListSessions
	// KindServeDaemon is the detached child of a DaemonThenConnect
	// invocation.  Users never select it directly.
	KindServeDaemon
)

func (k Kind) String() string {
	switch k {
	case KindStandalone:
		return "standalone"
	case KindListen:
		return "listen"
	case KindDaemonThenConnect:
		return "daemon-then-connect"
	case KindDirectConnect:
		return "direct-connect"
	case KindTelnetServer:
		return "telnet-server"
	case KindListSessions:
		return "list-sessions"
	case KindServeDaemon:
		return "serve-daemon"
	default:
		return "none"
	}
}

// ── terminal helpers ─────────────────────────────────────────────────

// terminalFd returns the descriptor behind r when r is a terminal.
func terminalFd(r io.Reader) (int, bool) {
	f, ok := r.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// terminalSize reports the size of the terminal behind w, or 0x0.
func terminalSize(w io.Writer) (int, int) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, 0
	}
	width, height, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0, 0
	}
	return width, height
}

// makeRaw switches fd to raw mode and returns the function that undoes
// it.
func makeRaw(fd int) (func(), error) {
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { term.Restore(fd, old) }, nil //nolint:errcheck
}
