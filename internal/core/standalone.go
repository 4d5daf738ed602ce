package core

import (
	"context"
	"io"
	"os"

	"deployer/internal/service"
	"deployer/internal/session"
	"deployer/util"
)

// StandaloneMode runs the service in-process on the invoking terminal.
// No socket is created, so nothing can attach to it.
type StandaloneMode struct {
	Service     service.Service
	Path        string
	Interactive bool
	Logger      *util.Logger

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	Stdin  io.Reader
	Stdout io.Writer
}

func (m *StandaloneMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *StandaloneMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run blocks until the service returns.
func (m *StandaloneMode) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := session.New(nil, m.stdin(), m.stdout(), m.Logger)
	sess.Path = m.Path
	sess.Interactive = m.Interactive
	sess.Stop = cancel

	if fd, ok := terminalFd(sess.In); ok {
		restore, err := makeRaw(fd)
		if err != nil {
			m.Logger.Warn("cannot switch terminal to raw mode: %v", err)
		} else {
			defer restore()
			sess.WithTerminal(terminalSize(sess.Out))
		}
	}

	m.Logger.Verbose("running standalone session")
	return m.Service.Handle(ctx, sess)
}
