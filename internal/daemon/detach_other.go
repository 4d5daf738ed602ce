//go:build windows || plan9

package daemon

import "os/exec"

// detach is a no-op where sessions do not exist.
func detach(*exec.Cmd) {}
