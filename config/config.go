// Package config defines the validated invocation options for deployer
// and the helpers that parse individual flag values.
package config

import (
	"fmt"
	"regexp"
	"strconv"

	derr "deployer/internal/errors"
)

// Command is the subcommand an invocation asked for.
type Command int

const (
	CommandNone Command = iota
	CommandStart
	CommandListen
	CommandConnect
	CommandTelnetServer
	CommandListSessions
	// CommandServeDaemon is the hidden role of a detached daemon child.
	CommandServeDaemon
)

var commandNames = map[Command]string{
	CommandStart:        "start",
	CommandListen:       "listen",
	CommandConnect:      "connect",
	CommandTelnetServer: "telnet-server",
	CommandListSessions: "list-sessions",
	CommandServeDaemon:  "serve-daemon",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return "none"
}

// ParseCommand maps a subcommand name to a Command.
func ParseCommand(name string) (Command, bool) {
	for c, n := range commandNames {
		if n == name {
			return c, true
		}
	}
	return CommandNone, false
}

// Options is the record of one invocation.  cmd builds it, Validate
// checks it, and nothing mutates it afterwards.
type Options struct {
	Command Command

	// ── Session ──────────────────────────────────────────────────────
	SingleThreaded bool   // start -s: run the service in-process
	Socket         string // raw socket identifier: digits or a path
	Path           string // working directory hint for the session
	Interactive    bool   // false with --non-interactive
	LogFile        string // --log
	User           string // owner of the numeric socket namespace

	// ── Telnet ───────────────────────────────────────────────────────
	PortSpec string // raw --port value
	Port     int    // parsed port, 0 = collaborator default

	// ── Daemon child ─────────────────────────────────────────────────
	ShutdownOnLastDisconnect bool

	// ── SSH tunnel (connect only) ────────────────────────────────────
	TunnelSpec     string // raw user@host[:port] from --tunnel
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	DryRun  bool
}

// New returns Options with the defaults every command starts from.
func New(cmd Command) *Options {
	return &Options{Command: cmd, Interactive: true}
}

// ── Port helpers ─────────────────────────────────────────────────────

// ParsePort accepts a single decimal port in 1-65535.
func ParsePort(spec string) (int, error) {
	port, err := strconv.Atoi(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "deploy@build-01.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the options are internally consistent and
// finishes parsing the raw --port and --tunnel values.  It is the only
// step allowed to write to Options after the flags are parsed.
func (o *Options) Validate() error {
	if o.Command == CommandNone {
		return &derr.ConfigError{
			Field:   "command",
			Message: "no command given",
			Hint:    "use one of: start, listen, connect, telnet-server, list-sessions",
		}
	}

	if o.SingleThreaded && o.Socket != "" {
		return &derr.ConfigError{
			Field:   "socket",
			Value:   o.Socket,
			Message: "--single-threaded and --socket are mutually exclusive",
			Hint:    "single-threaded mode runs without a socket; drop one of the flags",
		}
	}
	if o.SingleThreaded && o.Command != CommandStart {
		return &derr.ConfigError{Field: "single-threaded", Message: "only valid with start"}
	}

	switch o.Command {
	case CommandConnect, CommandServeDaemon:
		if o.Socket == "" {
			return &derr.ConfigError{
				Field:   "socket",
				Message: fmt.Sprintf("required by %s", o.Command),
				Hint:    "pass a numeric session id or a socket path, see list-sessions",
			}
		}
	}

	if o.PortSpec != "" {
		if o.Command != CommandTelnetServer {
			return &derr.ConfigError{Field: "port", Value: o.PortSpec, Message: "only valid with telnet-server"}
		}
		port, err := ParsePort(o.PortSpec)
		if err != nil {
			return &derr.ConfigError{
				Field:   "port",
				Value:   o.PortSpec,
				Message: err.Error(),
				Hint:    "use a port between 1 and 65535, or omit --port for the default",
			}
		}
		o.Port = port
	}

	if o.TunnelSpec != "" {
		if o.Command != CommandConnect {
			return &derr.ConfigError{Field: "tunnel", Value: o.TunnelSpec, Message: "only valid with connect"}
		}
		user, host, port, err := ParseTunnelSpec(o.TunnelSpec)
		if err != nil {
			return &derr.ConfigError{Field: "tunnel", Value: o.TunnelSpec, Message: err.Error()}
		}
		o.TunnelEnabled = true
		o.TunnelUser = user
		o.TunnelHost = host
		o.TunnelPort = port
	}

	if o.User == "" && o.Command != CommandTelnetServer {
		return &derr.ConfigError{Field: "user", Message: "could not determine the current user"}
	}
	return nil
}
