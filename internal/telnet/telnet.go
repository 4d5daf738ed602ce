// Package telnet serves sessions to plain telnet clients.
//
// Each connection gets the server-side echo and character-at-a-time
// negotiation a line editor needs, and the root service in TTY mode.
package telnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"deployer/internal/metrics"
	"deployer/internal/service"
	"deployer/internal/session"
	"deployer/util"
)

// DefaultPort is used when no port is configured.
const DefaultPort = 8023

// Default terminal size; telnet clients do not report theirs without
// NAWS, which is not negotiated.
const (
	defaultWidth  = 80
	defaultHeight = 24
)

// Telnet protocol bytes (RFC 854, 857, 858).
const (
	iac  = 255
	dont = 254
	do   = 253
	wont = 252
	will = 251
	sb   = 250
	se   = 240

	optEcho = 1
	optSGA  = 3
)

// Config configures a Server.
type Config struct {
	Host        string // empty: all interfaces
	Port        int    // 0: DefaultPort
	Service     service.Service
	Interactive bool
	Logger      *util.Logger
	Metrics     *metrics.Collector
}

// Server accepts telnet connections.
type Server struct {
	cfg Config

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a server.
func New(cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Server{cfg: cfg, conns: make(map[net.Conn]struct{})}
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return util.FormatAddr(s.cfg.Host, s.cfg.Port)
}

// Listen binds the TCP port.
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.cfg.Logger.Verbose("telnet listening on %s", ln.Addr())
	return ln.Addr(), nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				break
			}
			s.Close()
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			break
		}
		s.cfg.Logger.Verbose("telnet connection from %s", conn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn, cancel)
		}()
	}
	s.wg.Wait()
	return nil
}

// Close stops the listener and disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, stop func()) {
	defer conn.Close()
	m := s.cfg.Metrics
	m.ClientAttached()
	defer m.ClientDetached()

	if _, err := conn.Write(negotiation()); err != nil {
		s.cfg.Logger.Debug("telnet negotiation: %v", err)
		return
	}

	sess := session.New(conn, NewReader(conn), conn, s.cfg.Logger).WithTerminal(defaultWidth, defaultHeight)
	sess.Interactive = s.cfg.Interactive
	sess.Stop = stop

	if err := s.cfg.Service.Handle(ctx, sess); err != nil && !util.IsExpectedCloseError(err) {
		s.cfg.Logger.Warn("telnet session %s: %v", conn.RemoteAddr(), err)
		m.RecordError(err.Error())
	}
}

// negotiation asks the client to let the server echo and to send
// characters as they are typed.
func negotiation() []byte {
	return []byte{iac, will, optEcho, iac, will, optSGA, iac, do, optSGA}
}

// ── Input filtering ──────────────────────────────────────────────────

// Reader strips telnet commands from a client stream and folds the
// CR LF and CR NUL line endings to a single CR.
type Reader struct {
	br      *bufio.Reader
	afterCR bool
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

func (r *Reader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if n > 0 && r.br.Buffered() == 0 {
			break
		}
		b, err := r.br.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		if r.afterCR {
			r.afterCR = false
			if b == '\n' || b == 0 {
				continue
			}
		}

		if b == iac {
			lit, ok, err := r.command()
			if err != nil {
				if n > 0 {
					return n, nil
				}
				return 0, err
			}
			if ok {
				p[n] = lit
				n++
			}
			continue
		}

		if b == '\r' {
			r.afterCR = true
		}
		p[n] = b
		n++
	}
	return n, nil
}

// command consumes the rest of a command after IAC.  It returns a
// literal byte for an escaped IAC.
func (r *Reader) command() (byte, bool, error) {
	op, err := r.br.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch op {
	case iac:
		return iac, true, nil
	case will, wont, do, dont:
		_, err := r.br.ReadByte()
		return 0, false, err
	case sb:
		// Skip to IAC SE.
		var prev byte
		for {
			b, err := r.br.ReadByte()
			if err != nil {
				return 0, false, err
			}
			if prev == iac && b == se {
				return 0, false, nil
			}
			if prev == iac && b == iac {
				prev = 0
				continue
			}
			prev = b
		}
	default:
		return 0, false, nil
	}
}
