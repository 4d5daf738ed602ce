package shell

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"deployer/util"
)

type builtin struct {
	usage string
	run   func(ctx context.Context, st *state, args []string) error
}

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"help":   {"help                 list commands", cmdHelp},
		"pwd":    {"pwd                  print the working directory", cmdPwd},
		"cd":     {"cd [DIR]             change directory (default: home)", cmdCd},
		"ls":     {"ls [DIR]             list a directory", cmdLs},
		"echo":   {"echo [ARGS...]       print arguments", cmdEcho},
		"whoami": {"whoami               print the session owner", cmdWhoami},
		"stop":   {"stop                 stop the session server", cmdStop},
		"exit":   {"exit                 detach from the session", cmdExit},
		"quit":   {"quit                 same as exit", cmdExit},
	}
}

// eval runs one command line.
func (s *Shell) eval(ctx context.Context, st *state, line string) error {
	fields := strings.Fields(line)
	if b, ok := builtins[fields[0]]; ok {
		return b.run(ctx, st, fields[1:])
	}
	return s.run(ctx, st, line)
}

func cmdHelp(_ context.Context, st *state, _ []string) error {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(st.out, "  %s\n", builtins[name].usage)
	}
	fmt.Fprintln(st.out, "Anything else runs in the system shell.")
	return nil
}

func cmdPwd(_ context.Context, st *state, _ []string) error {
	fmt.Fprintln(st.out, st.dir)
	return nil
}

func cmdCd(_ context.Context, st *state, args []string) error {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	if target == "" || target == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cd: %w", err)
		}
		target = home
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(st.dir, target)
	}
	fi, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("cd: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("cd: %s: not a directory", target)
	}
	st.dir = filepath.Clean(target)
	return nil
}

func cmdLs(_ context.Context, st *state, args []string) error {
	dir := st.dir
	if len(args) > 0 {
		dir = args[0]
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(st.dir, dir)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("ls: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintln(st.out, name)
	}
	return nil
}

func cmdEcho(_ context.Context, st *state, args []string) error {
	fmt.Fprintln(st.out, strings.Join(args, " "))
	return nil
}

func cmdWhoami(_ context.Context, st *state, _ []string) error {
	fmt.Fprintln(st.out, util.CurrentUser())
	return nil
}

func cmdStop(_ context.Context, st *state, _ []string) error {
	ok, err := st.ask("Stop the session server for every client?", true)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if st.sess.Stop != nil {
		st.sess.Logger.Info("stop requested by client")
		st.sess.Stop()
	}
	return errExit
}

func cmdExit(context.Context, *state, []string) error {
	return errExit
}
