//go:build !windows

package pidfile

import (
	"errors"
	"os"
	"syscall"
)

// isProcessRunning checks pid with signal 0
func isProcessRunning(pid int) (bool, string) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, "process not found"
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true, ""
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false, "process has finished"
	}
	// the process exists but belongs to another user
	if errors.Is(err, syscall.EPERM) {
		return true, ""
	}
	return false, "cannot signal process"
}
