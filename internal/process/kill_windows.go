//go:build windows

package process

import (
	"os/exec"
	"strconv"
)

// SetGroup is a no-op on Windows; taskkill handles the tree.
func SetGroup(cmd *exec.Cmd) {}

// KillGroup kills a process and all its children using taskkill /T.
// Best effort; the error is ignored because the tree may already be gone.
func KillGroup(pid int) {
	_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}
