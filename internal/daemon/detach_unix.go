//go:build !windows && !plan9

package daemon

import (
	"os/exec"
	"syscall"
)

// detach starts the child in a new session so it has no controlling
// terminal and survives the invoker's process group.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
