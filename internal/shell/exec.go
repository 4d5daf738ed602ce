package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
)

// run executes line through the system shell in the session directory.
// The command's stdin is empty so it cannot consume shell input.
func (s *Shell) run(ctx context.Context, st *state, line string) error {
	var cmd *exec.Cmd
	switch {
	case len(s.Program) > 0:
		args := append(append([]string{}, s.Program[1:]...), line)
		cmd = exec.CommandContext(ctx, s.Program[0], args...)
	case runtime.GOOS == "windows":
		cmd = exec.CommandContext(ctx, "cmd.exe", "/C", line)
	default:
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", line)
	}
	cmd.Dir = st.dir
	cmd.Stdout = st.out
	cmd.Stderr = st.out

	st.sess.Logger.Debug("exec: %s", cmd.String())

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("exit status %d", exitErr.ExitCode())
	}
	return err
}
