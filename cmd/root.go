// Package cmd wires up the CLI subcommands and dispatches to core.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"deployer/config"
	"deployer/internal/address"
	"deployer/internal/core"
	derr "deployer/internal/errors"
	"deployer/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X deployer/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected mode on the process's
// standard streams.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdin, os.Stdout, os.Stderr)
}

// ── subcommands ──────────────────────────────────────────────────────

type command struct {
	name    string
	summary string
	hidden  bool
	flags   func(fs *flag.FlagSet, o, env *config.Options)
}

var commands = []command{ //nolint:gochecknoglobals
	{
		name:    "start",
		summary: "start a session (spawn or reuse a daemon) and attach to it",
		flags: func(fs *flag.FlagSet, o, env *config.Options) {
			fs.BoolVarP(&o.SingleThreaded, "single-threaded", "s", false, "Run the session in this process, without a socket")
			socketFlag(fs, o, env, "Session id or socket path to create or reuse")
			pathFlag(fs, o, env)
			logFlag(fs, o, env)
		},
	},
	{
		name:    "listen",
		summary: "run a session server in the foreground",
		flags: func(fs *flag.FlagSet, o, env *config.Options) {
			socketFlag(fs, o, env, "Session id or socket path to bind (default: next free id)")
			logFlag(fs, o, env)
		},
	},
	{
		name:    "connect",
		summary: "attach to an existing session",
		flags: func(fs *flag.FlagSet, o, env *config.Options) {
			socketFlag(fs, o, env, "Session id or socket path to attach to (required)")
			pathFlag(fs, o, env)
			tunnelFlags(fs, o, env)
		},
	},
	{
		name:    "telnet-server",
		summary: "serve sessions over telnet",
		flags: func(fs *flag.FlagSet, o, env *config.Options) {
			fs.StringVar(&o.PortSpec, "port", env.PortSpec, "TCP port to listen on (default 8023)")
			logFlag(fs, o, env)
		},
	},
	{
		name:    "list-sessions",
		summary: "list the sessions in your namespace",
		flags:   func(*flag.FlagSet, *config.Options, *config.Options) {},
	},
	{
		name:   "serve-daemon",
		hidden: true,
		flags: func(fs *flag.FlagSet, o, env *config.Options) {
			socketFlag(fs, o, env, "Socket path to serve")
			logFlag(fs, o, env)
			fs.BoolVar(&o.ShutdownOnLastDisconnect, "shutdown-on-last-disconnect", false, "Exit when the last client detaches")
		},
	},
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// ── shared flags ─────────────────────────────────────────────────────

func socketFlag(fs *flag.FlagSet, o, env *config.Options, usage string) {
	fs.StringVar(&o.Socket, "socket", env.Socket, usage)
}

func pathFlag(fs *flag.FlagSet, o, env *config.Options) {
	fs.StringVar(&o.Path, "path", env.Path, "Working directory for the session (default: current)")
}

func logFlag(fs *flag.FlagSet, o, env *config.Options) {
	fs.StringVar(&o.LogFile, "log", env.LogFile, "Append debug logs to FILE")
}

func tunnelFlags(fs *flag.FlagSet, o, env *config.Options) {
	fs.StringVarP(&o.TunnelSpec, "tunnel", "T", env.TunnelSpec, "Reach the session through SSH at [user@]host[:port]")
	fs.StringVar(&o.SSHKeyPath, "ssh-key", env.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&o.SSHPassword, "ssh-password", env.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&o.UseSSHAgent, "ssh-agent", env.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&o.StrictHostKey, "strict-hostkey", env.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&o.KnownHostsPath, "known-hosts", env.KnownHostsPath, "Custom known_hosts path")
}

// ── execute ──────────────────────────────────────────────────────────

func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return nil
	}
	switch args[0] {
	case "-h", "--help", "help":
		printUsage(stderr)
		return nil
	case "--version":
		fmt.Fprintf(stdout, "deployer %s\n", version)
		return nil
	}

	c, ok := lookup(args[0])
	if !ok {
		return &derr.ConfigError{
			Field:   "command",
			Value:   args[0],
			Message: "unknown command",
			Hint:    "run deployer --help for the list of commands",
		}
	}
	cmd, _ := config.ParseCommand(c.name)

	env := config.New(cmd)
	config.LoadFromEnv(env)
	opts := config.New(cmd)

	fs := flag.NewFlagSet("deployer "+c.name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	c.flags(fs, opts, env)

	var nonInteractive, showHelp bool
	if cmd != config.CommandListSessions && cmd != config.CommandConnect {
		fs.BoolVar(&nonInteractive, "non-interactive", !env.Interactive, "Never ask questions; take default answers")
	}
	if cmd != config.CommandServeDaemon && cmd != config.CommandListSessions {
		fs.BoolVar(&opts.DryRun, "dry-run", false, "Print the selected mode and address, then exit")
	}
	fs.CountVarP(&opts.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.Usage = func() { printCommandUsage(stderr, c, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if showHelp {
		printCommandUsage(stderr, c, fs)
		return nil
	}
	if fs.NArg() > 0 {
		return &derr.ConfigError{
			Field:   c.name,
			Value:   fs.Arg(0),
			Message: "unexpected argument",
			Hint:    "session ids are given with --socket",
		}
	}

	opts.Interactive = !nonInteractive
	// An environment socket is a default for attaching; -s has none.
	if opts.SingleThreaded && !fs.Changed("socket") {
		opts.Socket = ""
	}
	if !fs.Changed("verbose") {
		opts.Verbose = env.Verbose
	}
	opts.User = env.User
	if opts.User == "" {
		opts.User = util.CurrentUser()
	}

	// ── validate ─────────────────────────────────────────────────
	if err := opts.Validate(); err != nil {
		return err
	}

	if opts.DryRun {
		addr := core.Target(opts, address.Default())
		if addr.IsZero() {
			addr = "-"
		}
		fmt.Fprintf(stdout, "mode: %s\naddress: %s\n", core.Select(opts), addr)
		return nil
	}

	// ── build components ─────────────────────────────────────────
	logger, err := newLogger(opts)
	if err != nil {
		return err
	}
	defer logger.Close()

	mode, err := core.Build(opts, core.Deps{
		Logger: logger,
		Stdin:  stdin,
		Stdout: stdout,
	})
	if err != nil {
		return err
	}
	logger.Debug("running %s for %s", core.Select(opts), opts.User)
	return mode.Run(ctx)
}

// newLogger logs to --log at debug level when given, to stderr at the
// -v level otherwise.
func newLogger(opts *config.Options) (*util.Logger, error) {
	if opts.LogFile == "" {
		return util.NewLogger(opts.Verbose), nil
	}
	logger, err := util.OpenLogFile(opts.LogFile)
	if err != nil {
		return nil, &derr.ConfigError{Field: "log", Value: opts.LogFile, Message: err.Error()}
	}
	if os.Getenv(config.DaemonEnvMarker) != "" {
		logger.SetPrefix(fmt.Sprintf("pid=%d", os.Getpid()))
	}
	return logger, nil
}

// ── usage ────────────────────────────────────────────────────────────

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `deployer – attachable command sessions v%s

Usage:
  deployer <command> [options]

Commands:
`, version)
	for _, c := range commands {
		if !c.hidden {
			fmt.Fprintf(w, "  %-15s %s\n", c.name, c.summary)
		}
	}
	fmt.Fprint(w, `
Examples:
  deployer start                              New session, attached
  deployer start --socket 7                   Create or reuse session 7
  deployer connect --socket 7                 Attach to session 7
  deployer connect -T ops@build-01 --socket 3 Attach over SSH
  deployer telnet-server --port 2300          Serve over telnet

Run 'deployer <command> --help' for command options.
`)
}

func printCommandUsage(w io.Writer, c command, fs *flag.FlagSet) {
	fmt.Fprintf(w, "Usage:\n  deployer %s [options]\n\n", c.name)
	if c.summary != "" {
		fmt.Fprintf(w, "%s.\n\n", c.summary)
	}
	fmt.Fprintln(w, "Options:")
	fs.PrintDefaults()
}
