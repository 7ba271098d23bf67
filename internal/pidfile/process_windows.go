//go:build windows

package pidfile

import (
	"syscall"
)

// isProcessRunning opens pid for query access
func isProcessRunning(pid int) (bool, string) {
	handle, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false, "process not found"
	}
	syscall.CloseHandle(handle)
	return true, ""
}
