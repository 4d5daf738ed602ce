// Package server runs a session server on a unix socket.
//
// A server owns exactly one socket file: the one it created in Listen.
// It refuses to bind over an existing file, live or stale, and removes
// only its own file when it stops.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deployer/config"
	"deployer/internal/address"
	derr "deployer/internal/errors"
	"deployer/internal/metrics"
	"deployer/internal/protocol"
	"deployer/internal/service"
	"deployer/internal/session"
	"deployer/util"
)

// Config is everything a Server needs.
type Config struct {
	Addr    address.Address
	Policy  Policy
	Service service.Service
	Logger  *util.Logger
	Metrics *metrics.Collector

	// IdleGrace is how long a ShutdownOnLastDisconnect server waits for
	// its first client.  0 waits forever.
	IdleGrace time.Duration
	// HandshakeTimeout bounds reading the request frame.
	HandshakeTimeout time.Duration
	// GracePeriod bounds how long Serve waits for handlers after stop.
	GracePeriod time.Duration
}

// Server accepts clients on a unix socket and runs the service for
// each one that attaches.
type Server struct {
	cfg     Config
	metrics *metrics.Collector

	ln   *net.UnixListener
	file os.FileInfo // the socket file this server created

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a server.  Nothing is bound until Listen.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = config.DefaultHandshakeTimeout
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = config.DefaultGracePeriod
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Addr returns the address the server binds.
func (s *Server) Addr() address.Address { return s.cfg.Addr }

// Policy returns the lifecycle policy.
func (s *Server) Policy() Policy { return s.cfg.Policy }

// Done is closed once the server has stopped accepting.
func (s *Server) Done() <-chan struct{} { return s.done }

// Listen binds the socket.  Any existing file at the address is left
// alone and reported: ErrAddressInUse when a server answers on it,
// ErrStaleSocket otherwise.
func (s *Server) Listen() error {
	addr := string(s.cfg.Addr)
	if addr == "" {
		return derr.Bootstrap("bind", addr, fmt.Errorf("no address"))
	}
	if s.isClosed() {
		return derr.Bootstrap("bind", addr, derr.ErrServerClosed)
	}

	if _, err := os.Lstat(addr); err == nil {
		return derr.Bootstrap("bind", addr, classifyExisting(addr))
	}

	ln, err := net.Listen("unix", addr)
	if err != nil {
		if derr.IsAddrInUse(err) {
			return derr.Bootstrap("bind", addr, derr.ErrAddressInUse)
		}
		if derr.IsPermission(err) {
			return derr.Bootstrap("bind", addr,
				fmt.Errorf("no permission to create a socket in %s: %w", filepath.Dir(addr), err))
		}
		return derr.Bootstrap("bind", addr, err)
	}
	ul := ln.(*net.UnixListener)
	ul.SetUnlinkOnClose(false)

	fi, err := os.Lstat(addr)
	if err != nil {
		ul.Close()
		return derr.Bootstrap("bind", addr, err)
	}
	if err := os.Chmod(addr, 0o600); err != nil {
		ul.Close()
		os.Remove(addr)
		return derr.Bootstrap("bind", addr, err)
	}

	s.ln = ul
	s.file = fi
	s.cfg.Logger.Verbose("listening on %s (%s)", addr, s.cfg.Policy)
	return nil
}

// classifyExisting decides whether a file in the way belongs to a live
// server.
func classifyExisting(addr string) error {
	conn, err := net.DialTimeout("unix", addr, config.DefaultProbeTimeout)
	if err != nil {
		return derr.ErrStaleSocket
	}
	conn.Close()
	return derr.ErrAddressInUse
}

// Serve accepts clients until ctx is cancelled or the server is
// stopped, then waits up to the grace period for handlers.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return derr.Bootstrap("serve", string(s.cfg.Addr), fmt.Errorf("not listening"))
	}
	defer s.removeSocket()

	go func() {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Verbose("shutting down: %v", ctx.Err())
			s.Close()
		case <-s.done:
		}
	}()

	if s.cfg.Policy.ShutdownOnLastDisconnect && s.cfg.IdleGrace > 0 {
		idle := time.AfterFunc(s.cfg.IdleGrace, func() {
			if s.metrics.TotalClients() == 0 {
				s.cfg.Logger.Info("no client attached within %s, exiting", s.cfg.IdleGrace)
				s.Close()
			}
		})
		defer idle.Stop()
	}

	var acceptErr error
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				break
			}
			if util.IsExpectedCloseError(err) || errors.Is(err, net.ErrClosed) {
				break
			}
			acceptErr = fmt.Errorf("accept: %w", err)
			s.metrics.RecordError(acceptErr.Error())
			s.Close()
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}

	s.wait(s.cfg.GracePeriod)
	s.cfg.Logger.Debug("server metrics: %s", s.metrics.JSON())
	return acceptErr
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Close stops accepting, cancels running sessions, and disconnects
// every client.  It does not wait; see Shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		s.cancel()
		if s.ln != nil {
			s.ln.Close()
		}
		for _, c := range conns {
			c.Close()
		}
		close(s.done)
	})
}

// Shutdown closes the server and waits for handlers until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) wait(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.cfg.Logger.Warn("handlers still running after %s", grace)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// removeSocket deletes the socket file if it is still the one Listen
// created.
func (s *Server) removeSocket() {
	if s.file == nil {
		return
	}
	addr := string(s.cfg.Addr)
	fi, err := os.Lstat(addr)
	if err != nil {
		return
	}
	if !os.SameFile(fi, s.file) {
		s.cfg.Logger.Warn("socket %s was replaced, leaving it in place", addr)
		return
	}
	if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
		s.cfg.Logger.Warn("remove %s: %v", addr, err)
	}
}

// Info describes the server for an info request.
func (s *Server) Info() protocol.SessionInfo {
	return protocol.SessionInfo{
		Address:                  string(s.cfg.Addr),
		PID:                      os.Getpid(),
		Daemonized:               s.cfg.Policy.Daemonized,
		ShutdownOnLastDisconnect: s.cfg.Policy.ShutdownOnLastDisconnect,
		Interactive:              s.cfg.Policy.Interactive,
		Started:                  s.metrics.StartTime(),
		Clients:                  s.metrics.ActiveClients(),
		TotalClients:             s.metrics.TotalClients(),
	}
}

// ── Per-connection handling ──────────────────────────────────────────

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)) //nolint:errcheck
	var req protocol.Request
	if err := protocol.ReadFrame(conn, &req); err != nil {
		s.cfg.Logger.Debug("handshake: %v", err)
		s.metrics.RecordError(err.Error())
		return
	}

	switch req.Action {
	case protocol.ActionInfo:
		s.metrics.InfoRequested()
		info := s.Info()
		protocol.WriteFrame(conn, protocol.Response{OK: true, Info: &info}) //nolint:errcheck
	case protocol.ActionAttach:
		s.attach(conn, req)
	default:
		protocol.WriteFrame(conn, protocol.Response{Error: fmt.Sprintf("unknown action %q", req.Action)}) //nolint:errcheck
	}
}

func (s *Server) attach(conn net.Conn, req protocol.Request) {
	if !s.track(conn) {
		protocol.WriteFrame(conn, protocol.Response{Error: derr.ErrServerClosed.Error()}) //nolint:errcheck
		return
	}
	defer s.untrack(conn)

	n := s.metrics.ClientAttached()
	if err := protocol.WriteFrame(conn, protocol.Response{OK: true}); err != nil {
		s.cfg.Logger.Debug("attach: %v", err)
		s.detached()
		return
	}
	conn.SetDeadline(time.Time{}) //nolint:errcheck
	s.cfg.Logger.Verbose("client attached (%d active)", n)

	sess := session.New(conn,
		&countingReader{r: conn, m: s.metrics},
		&countingWriter{w: conn, m: s.metrics},
		s.cfg.Logger)
	sess.Path = req.Path
	sess.TTY = req.TTY
	sess.Width = req.Width
	sess.Height = req.Height
	sess.Interactive = s.cfg.Policy.Interactive
	sess.Stop = s.Close

	if err := s.cfg.Service.Handle(s.ctx, sess); err != nil && !util.IsExpectedCloseError(err) {
		s.cfg.Logger.Warn("session: %v", err)
		s.metrics.RecordError(err.Error())
		fmt.Fprintf(sess.Out, "deployer: %v\n", err)
	}
	conn.Close()
	s.detached()
}

func (s *Server) detached() {
	remaining := s.metrics.ClientDetached()
	s.cfg.Logger.Verbose("client detached (%d active)", remaining)
	if remaining == 0 && s.cfg.Policy.ShutdownOnLastDisconnect {
		s.cfg.Logger.Info("last client detached, shutting down")
		s.Close()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// ── Byte accounting ──────────────────────────────────────────────────

type countingReader struct {
	r io.Reader
	m *metrics.Collector
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.m.BytesReceived(int64(n))
	return n, err
}

type countingWriter struct {
	w io.Writer
	m *metrics.Collector
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.m.BytesSent(int64(n))
	return n, err
}
