// Package daemon spawns session servers that outlive the invoking
// process.
//
// The spawner re-executes the current binary with the hidden
// serve-daemon command, detaches it from the terminal, and returns only
// once the child answers an info probe on its socket.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"deployer/config"
	"deployer/internal/address"
	derr "deployer/internal/errors"
	"deployer/internal/protocol"
	"deployer/internal/retry"
	"deployer/internal/server"
	"deployer/internal/transport"
	"deployer/util"
)

// Config describes the server to spawn.
type Config struct {
	Addr    address.Address
	Policy  server.Policy
	LogFile string
	Verbose int
}

// Handle refers to a spawned daemon.
type Handle struct {
	PID  int
	Addr address.Address
}

// Spawner starts a detached server and returns once it accepts
// connections, or fails with a bootstrap error.
type Spawner interface {
	Spawn(ctx context.Context, cfg Config) (*Handle, error)
}

// ExecSpawner spawns daemons by re-executing a binary.
type ExecSpawner struct {
	// Executable defaults to os.Executable().
	Executable string
	// Env is appended to the child's environment.
	Env []string
	// Dialer probes the child's socket; defaults to a UnixDialer.
	Dialer protocol.Dialer
	// ReadyTimeout bounds the wait for the child to accept.
	ReadyTimeout time.Duration
	Logger       *util.Logger
}

// Args returns the command line a daemon for cfg is started with.
func Args(cfg Config) []string {
	args := []string{config.CommandServeDaemon.String(), "--socket", string(cfg.Addr)}
	if cfg.Policy.ShutdownOnLastDisconnect {
		args = append(args, "--shutdown-on-last-disconnect")
	}
	if !cfg.Policy.Interactive {
		args = append(args, "--non-interactive")
	}
	if cfg.LogFile != "" {
		args = append(args, "--log", cfg.LogFile)
	}
	if cfg.Verbose > 0 {
		args = append(args, "-"+strings.Repeat("v", cfg.Verbose))
	}
	return args
}

// Spawn starts the daemon and waits for it to become ready.
func (s *ExecSpawner) Spawn(ctx context.Context, cfg Config) (*Handle, error) {
	addr := string(cfg.Addr)
	exe := s.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, derr.Bootstrap("spawn", addr, fmt.Errorf("locate executable: %w", err))
		}
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, derr.Bootstrap("spawn", addr, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, Args(cfg)...)
	cmd.Env = append(append(os.Environ(), config.DaemonEnvMarker+"=1"), s.Env...)
	cmd.Dir = "/"
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	if cfg.LogFile != "" {
		logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, derr.Bootstrap("spawn", addr, fmt.Errorf("open log: %w", err))
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	detach(cmd)

	s.Logger.Debug("spawn: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		return nil, derr.Bootstrap("spawn", addr, err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	if err := s.waitReady(ctx, addr, pid, exited); err != nil {
		select {
		case <-exited:
		default:
			cmd.Process.Kill() //nolint:errcheck
		}
		return nil, derr.Bootstrap("ready", addr, err)
	}

	s.Logger.Verbose("daemon %d ready on %s", pid, addr)
	return &Handle{PID: pid, Addr: cfg.Addr}, nil
}

// waitReady probes addr until the child with pid answers.  A child that
// exits first ends the wait immediately.
func (s *ExecSpawner) waitReady(ctx context.Context, addr string, pid int, exited <-chan error) error {
	timeout := s.ReadyTimeout
	if timeout == 0 {
		timeout = config.DefaultReadyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := s.Dialer
	if dialer == nil {
		dialer = &transport.UnixDialer{Timeout: config.DefaultProbeTimeout}
	}

	b := retry.ReadinessBackoff()
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.Logger.Debug("daemon not ready (attempt %d): %v; retrying in %s", attempt, err, wait)
	}
	err := b.Do(ctx, func(int) error {
		select {
		case werr := <-exited:
			if werr == nil {
				return retry.Permanent(derr.ErrDaemonExited)
			}
			return retry.Permanent(fmt.Errorf("%w: %v", derr.ErrDaemonExited, werr))
		default:
		}
		info, err := protocol.Probe(ctx, dialer, addr, config.DefaultProbeTimeout)
		if err != nil {
			return err
		}
		if info.PID != pid {
			return retry.Permanent(fmt.Errorf("%w (pid %d)", derr.ErrAddressInUse, info.PID))
		}
		return nil
	})
	if err != nil && ctx.Err() != nil && !derr.Is(err, derr.ErrDaemonExited) {
		return fmt.Errorf("%w after %s: %v", derr.ErrNotReady, timeout, err)
	}
	return err
}
