//go:build !linux

package socket

import (
	"syscall"
)

// Other platforms have no portable peek or queue-length query in use here;
// the socket falls back to deadline-based reads and optimistic readiness.
const rawSupported = false

func rawRead(rc syscall.RawConn, p []byte) (int, error) {
	return 0, ErrUnsupported
}

func peekReady(rc syscall.RawConn) (bool, error) {
	return true, nil
}

func waitReadable(rc syscall.RawConn) error {
	return nil
}

func writableNow(rc syscall.RawConn) (bool, error) {
	return true, nil
}

func waitWritable(rc syscall.RawConn) error {
	return nil
}

func queuedBytes(rc syscall.RawConn) (int, error) {
	return 0, nil
}

func setReusePort(rc syscall.RawConn) error {
	return nil
}

func getOption(rc syscall.RawConn, opt Option) (int, error) {
	return 0, ErrUnsupported
}
