// Package shell is the root service of a session: a small line-oriented
// command shell.  A handful of builtins run in-process; every other
// line is handed to the system shell in the session's directory.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"deployer/internal/session"
)

// errExit ends the read loop without an error.
var errExit = errors.New("exit")

// Shell implements service.Service.
type Shell struct {
	// Program runs lines that are not builtins.  Empty means the
	// platform shell (/bin/sh -c, or cmd.exe /C on Windows).
	Program []string
}

// New returns a Shell using the platform shell.
func New() *Shell { return &Shell{} }

// state is the per-session mutable part of a shell.
type state struct {
	sess  *session.Session
	dir   string
	out   io.Writer
	lines lineSource
}

// Handle runs the read-eval loop until the client disconnects, types
// exit, or confirms stop.
func (s *Shell) Handle(ctx context.Context, sess *session.Session) error {
	dir, err := startDir(sess.Path)
	if err != nil {
		return err
	}
	st := &state{sess: sess, dir: dir, out: sess.Out}

	if sess.TTY {
		t := term.NewTerminal(readWriter{sess.In, sess.Out}, "")
		if sess.Width > 0 && sess.Height > 0 {
			t.SetSize(sess.Width, sess.Height) //nolint:errcheck
		}
		st.out = t
		st.lines = &ttySource{t: t}
	} else {
		st.lines = &pipeSource{sc: bufio.NewScanner(sess.In), out: sess.Out}
	}

	if sess.Interactive {
		fmt.Fprintf(st.out, "deployer shell in %s, type help for commands\n", st.dir)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := st.lines.readLine(st.prompt())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sess.Logger.Debug("shell: %s", line)

		if err := s.eval(ctx, st, line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(st.out, "error: %v\n", err)
		}
	}
}

func (st *state) prompt() string {
	if !st.sess.TTY {
		return ""
	}
	return fmt.Sprintf("deployer:%s$ ", filepath.Base(st.dir))
}

// ask poses a yes/no question.  A non-interactive session gets def.
func (st *state) ask(question string, def bool) (bool, error) {
	if !st.sess.Interactive {
		return def, nil
	}
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	answer, err := st.lines.readLine(fmt.Sprintf("%s %s ", question, hint))
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func startDir(hint string) (string, error) {
	if hint == "" {
		return os.Getwd()
	}
	abs, err := filepath.Abs(hint)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("path %s: %w", hint, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("path %s: not a directory", hint)
	}
	return abs, nil
}

// ── line sources ─────────────────────────────────────────────────────

type lineSource interface {
	readLine(prompt string) (string, error)
}

type readWriter struct {
	io.Reader
	io.Writer
}

// ttySource edits lines with x/term, echoing to the client.
type ttySource struct {
	t *term.Terminal
}

func (s *ttySource) readLine(prompt string) (string, error) {
	s.t.SetPrompt(prompt)
	return s.t.ReadLine()
}

// pipeSource reads newline-terminated commands without echo.
type pipeSource struct {
	sc  *bufio.Scanner
	out io.Writer
}

func (s *pipeSource) readLine(prompt string) (string, error) {
	if prompt != "" {
		fmt.Fprint(s.out, prompt)
	}
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
