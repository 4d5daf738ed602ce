package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// SocketPrefix is the file name prefix of every session socket in
	// the per-user numeric namespace: <tmp>/deployer.sock.<user>.<id>.
	SocketPrefix = "deployer.sock"

	// DefaultMaxSessions bounds the numeric ids tried when a new
	// session needs an address.
	DefaultMaxSessions = 1000

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultRemoteTempDir is assumed for numeric ids resolved on the
	// far side of an SSH tunnel.
	DefaultRemoteTempDir = "/tmp"

	// DefaultDialTimeout bounds connecting to a session socket.
	DefaultDialTimeout = 5 * time.Second

	// DefaultHandshakeTimeout bounds the request/response exchange that
	// precedes an attached session.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultProbeTimeout bounds a liveness probe (list-sessions,
	// stale-socket detection).
	DefaultProbeTimeout = time.Second

	// DefaultReadyTimeout is how long a freshly spawned daemon gets to
	// start accepting connections.
	DefaultReadyTimeout = 10 * time.Second

	// DefaultIdleGrace is how long an anonymous daemon waits for its
	// first client before exiting.
	DefaultIdleGrace = 30 * time.Second

	// DefaultGracePeriod is how long shutdown waits for handlers.
	DefaultGracePeriod = 5 * time.Second

	// DaemonEnvMarker is set in the environment of spawned daemons.
	DaemonEnvMarker = "DEPLOYER_DAEMON_DETACHED"
)
