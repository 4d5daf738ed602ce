package core

import (
	"io"
	"os"

	"deployer/config"
	"deployer/internal/address"
	"deployer/internal/daemon"
	derr "deployer/internal/errors"
	"deployer/internal/registry"
	"deployer/internal/server"
	"deployer/internal/service"
	"deployer/internal/shell"
	"deployer/internal/transport"
	"deployer/tunnel"
	"deployer/util"
)

// Select picks the mode for opts.  It is total over the commands and
// applies them in a fixed priority order.
func Select(opts *config.Options) Kind {
	switch {
	case opts == nil:
		return KindNone
	case opts.Command == config.CommandListSessions:
		return KindListSessions
	case opts.Command == config.CommandTelnetServer:
		return KindTelnetServer
	case opts.Command == config.CommandListen:
		return KindListen
	case opts.Command == config.CommandConnect:
		return KindDirectConnect
	case opts.Command == config.CommandStart && opts.SingleThreaded:
		return KindStandalone
	case opts.Command == config.CommandStart:
		return KindDaemonThenConnect
	case opts.Command == config.CommandServeDaemon:
		return KindServeDaemon
	default:
		return KindNone
	}
}

// Deps are the collaborators Build wires into a Mode.  Zero fields get
// production defaults; tests override them.
type Deps struct {
	Logger   *util.Logger
	Resolver address.Resolver
	Spawner  daemon.Spawner
	Dialer   transport.Dialer
	Service  service.Service

	Stdin  io.Reader
	Stdout io.Writer
}

func (d Deps) withDefaults(opts *config.Options) Deps {
	if d.Logger == nil {
		d.Logger = util.NewLogger(opts.Verbose)
	}
	if d.Resolver.TempDir == "" {
		d.Resolver = address.Default()
	}
	if d.Service == nil {
		d.Service = shell.New()
	}
	if d.Stdin == nil {
		d.Stdin = os.Stdin
	}
	if d.Stdout == nil {
		d.Stdout = os.Stdout
	}
	if d.Dialer == nil {
		d.Dialer = buildDialer(opts, d.Logger)
	}
	if d.Spawner == nil {
		d.Spawner = &daemon.ExecSpawner{
			Dialer:       &transport.UnixDialer{Timeout: config.DefaultDialTimeout},
			ReadyTimeout: config.DefaultReadyTimeout,
			Logger:       d.Logger,
		}
	}
	return d
}

// Target returns the session address opts refers to.  Numeric ids given
// with --tunnel live in the remote user's namespace on the tunnel host.
// Telnet and list-sessions have no address.
func Target(opts *config.Options, resolver address.Resolver) address.Address {
	switch Select(opts) {
	case KindTelnetServer, KindListSessions, KindStandalone, KindNone:
		return ""
	}
	if opts.TunnelEnabled {
		remote := address.Resolver{TempDir: config.DefaultRemoteTempDir}
		return remote.Resolve(opts.Socket, remoteUser(opts))
	}
	return resolver.Resolve(opts.Socket, opts.User)
}

// Build constructs the Mode that Select chooses for opts.  This is the
// single dispatch point between the CLI and the runtime.
func Build(opts *config.Options, deps Deps) (Mode, error) {
	kind := Select(opts)
	if kind == KindNone {
		return nil, &derr.ConfigError{Field: "command", Message: "no command given"}
	}
	deps = deps.withDefaults(opts)

	switch kind {
	case KindListSessions:
		return buildListSessions(opts, deps), nil
	case KindTelnetServer:
		return buildTelnet(opts, deps), nil
	case KindListen:
		return buildListen(opts, deps), nil
	case KindDirectConnect:
		return buildConnect(opts, deps, Target(opts, deps.Resolver)), nil
	case KindStandalone:
		return buildStandalone(opts, deps), nil
	case KindDaemonThenConnect:
		return buildDaemon(opts, deps), nil
	default:
		return buildServeDaemon(opts, deps), nil
	}
}

// ── mode builders ────────────────────────────────────────────────────

func buildListSessions(opts *config.Options, deps Deps) Mode {
	return &ListSessionsMode{
		Lister: &registry.Lister{
			Resolver: deps.Resolver,
			Dialer:   deps.Dialer,
			Timeout:  config.DefaultProbeTimeout,
		},
		User:    opts.User,
		Verbose: opts.Verbose > 0,
		Stdout:  deps.Stdout,
	}
}

func buildTelnet(opts *config.Options, deps Deps) Mode {
	return &TelnetMode{
		Port:        opts.Port,
		Interactive: opts.Interactive,
		Service:     deps.Service,
		Logger:      deps.Logger,
		Stdout:      deps.Stdout,
	}
}

func buildListen(opts *config.Options, deps Deps) Mode {
	return &ListenMode{
		Addr:     Target(opts, deps.Resolver),
		Resolver: deps.Resolver,
		User:     opts.User,
		Policy:   server.Foreground(opts.Interactive),
		Service:  deps.Service,
		Logger:   deps.Logger,
		Stdout:   deps.Stdout,
	}
}

func buildConnect(opts *config.Options, deps Deps, addr address.Address) *ConnectMode {
	return &ConnectMode{
		Dialer: deps.Dialer,
		Addr:   addr,
		Path:   pathHint(opts),
		Logger: deps.Logger,
		Stdin:  deps.Stdin,
		Stdout: deps.Stdout,
	}
}

func buildStandalone(opts *config.Options, deps Deps) Mode {
	return &StandaloneMode{
		Service:     deps.Service,
		Path:        pathHint(opts),
		Interactive: opts.Interactive,
		Logger:      deps.Logger,
		Stdin:       deps.Stdin,
		Stdout:      deps.Stdout,
	}
}

func buildDaemon(opts *config.Options, deps Deps) Mode {
	return &DaemonMode{
		Addr:        Target(opts, deps.Resolver),
		Resolver:    deps.Resolver,
		User:        opts.User,
		Spawner:     deps.Spawner,
		Interactive: opts.Interactive,
		LogFile:     opts.LogFile,
		Verbose:     opts.Verbose,
		Logger:      deps.Logger,
		Connect: func(addr address.Address) *ConnectMode {
			return buildConnect(opts, deps, addr)
		},
	}
}

func buildServeDaemon(opts *config.Options, deps Deps) Mode {
	return &ServeDaemonMode{
		Addr: Target(opts, deps.Resolver),
		Policy: server.Policy{
			Daemonized:               true,
			ShutdownOnLastDisconnect: opts.ShutdownOnLastDisconnect,
			Interactive:              opts.Interactive,
		},
		Service: deps.Service,
		Logger:  deps.Logger,
	}
}

// ── shared helpers ───────────────────────────────────────────────────

// buildDialer creates the transport for reaching session sockets: an
// SSH stream-local forward with --tunnel, the local socket otherwise.
func buildDialer(opts *config.Options, logger *util.Logger) transport.Dialer {
	if opts.TunnelEnabled {
		return transport.NewSSHDialer(&tunnel.SSHConfig{
			User:          remoteUser(opts),
			Host:          opts.TunnelHost,
			Port:          opts.TunnelPort,
			KeyPath:       opts.SSHKeyPath,
			PromptPass:    opts.SSHPassword,
			UseAgent:      opts.UseSSHAgent,
			StrictHostKey: opts.StrictHostKey,
			KnownHosts:    opts.KnownHostsPath,
			ConnTimeout:   config.DefaultHandshakeTimeout,
		}, logger)
	}
	return &transport.UnixDialer{Timeout: config.DefaultDialTimeout}
}

// remoteUser is the account on the tunnel host, the local user unless
// --tunnel names one.
func remoteUser(opts *config.Options) string {
	if opts.TunnelUser != "" {
		return opts.TunnelUser
	}
	return opts.User
}

// pathHint is the working directory a new session should start in.  A
// tunnelled attach has no meaningful local directory to send.
func pathHint(opts *config.Options) string {
	if opts.Path != "" || opts.TunnelEnabled {
		return opts.Path
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}
