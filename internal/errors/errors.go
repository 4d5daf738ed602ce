// Package errors provides the error taxonomy of the session bootstrapper.
//
// Failures are surfaced to the operator immediately and never retried,
// so every type here carries enough context (operation, address, cause)
// to produce a useful one-line message.
package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrNoSession means nothing exists at the socket address.
	ErrNoSession = errors.New("no session at this address")
	// ErrStaleSocket means a socket file exists but nothing listens on it.
	ErrStaleSocket = errors.New("stale socket file (no listener)")
	// ErrAddressInUse means a live server already owns the address.
	ErrAddressInUse = errors.New("address already in use by a live session")
	// ErrRejected means the server refused the attach handshake.
	ErrRejected = errors.New("session refused the connection")
	// ErrDaemonExited means a spawned daemon died before becoming ready.
	ErrDaemonExited = errors.New("daemon exited before it was ready")
	// ErrNotReady means a spawned daemon did not accept in time.
	ErrNotReady = errors.New("daemon did not become ready")
	// ErrServerClosed is returned by a server that has been shut down.
	ErrServerClosed = errors.New("server closed")

	ErrNotConnected    = errors.New("not connected")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
)

// ── Structured error types ───────────────────────────────────────────

// BootstrapError is a failure to bind or spawn a session server.
type BootstrapError struct {
	Op   string // "bind", "spawn", "ready"
	Addr string
	Err  error
}

func (e *BootstrapError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("bootstrap %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("bootstrap %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// ConnectionError is a failure to attach a client to a session.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid or contradictory invocation.
type ConfigError struct {
	Field   string      // flag name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Bootstrap creates a BootstrapError.
func Bootstrap(op, addr string, err error) *BootstrapError {
	return &BootstrapError{Op: op, Addr: addr, Err: err}
}

// Connection creates a ConnectionError, replacing low-level dial errors
// with ErrNoSession or ErrStaleSocket where the cause is recognisable.
func Connection(addr string, err error) *ConnectionError {
	return &ConnectionError{Addr: addr, Err: classifyDial(err)}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsBootstrapFailure reports whether err is (or wraps) a BootstrapError.
func IsBootstrapFailure(err error) bool {
	var be *BootstrapError
	return errors.As(err, &be)
}

// IsConnectionFailure reports whether err is (or wraps) a ConnectionError.
func IsConnectionFailure(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// classifyDial maps unix-socket dial errors onto the sentinels.  The
// original error is kept in the chain.
func classifyDial(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrStaleSocket), errors.Is(err, ErrRejected):
		return err
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOENT):
		return fmt.Errorf("%w: %v", ErrNoSession, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrStaleSocket, err)
	}
	return err
}

// IsAddrInUse reports whether err came from binding an address that
// is already taken.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// IsPermission reports whether err is a permission failure.
func IsPermission(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }
