//go:build linux

package socket

import (
	"errors"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

const rawSupported = true

// rawRead reads straight from the descriptor without parking on the poller
func rawRead(rc syscall.RawConn, p []byte) (int, error) {
	var (
		n    int
		rerr error
	)
	err := rc.Read(func(fd uintptr) bool {
		for {
			n, rerr = unix.Read(int(fd), p)
			if !errors.Is(rerr, unix.EINTR) {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	switch {
	case errors.Is(rerr, unix.EAGAIN):
		return 0, ErrWouldBlock
	case rerr != nil:
		return 0, os.NewSyscallError("read", rerr)
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// peekFD reports whether a read on fd would return without waiting: queued
// bytes, end of stream or a pending error all count.
func peekFD(fd int) bool {
	var b [1]byte
	for {
		_, _, err := unix.Recvfrom(fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return false
		default:
			return true
		}
	}
}

func peekReady(rc syscall.RawConn) (bool, error) {
	var ready bool
	err := rc.Control(func(fd uintptr) {
		ready = peekFD(int(fd))
	})
	return ready, err
}

// waitReadable parks on the runtime poller until fd is readable or the read
// deadline passes
func waitReadable(rc syscall.RawConn) error {
	return rc.Read(func(fd uintptr) bool {
		return peekFD(int(fd))
	})
}

func writableFD(fd int) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err == nil && n > 0 && fds[0].Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0
	}
}

func writableNow(rc syscall.RawConn) (bool, error) {
	var ready bool
	err := rc.Control(func(fd uintptr) {
		ready = writableFD(int(fd))
	})
	return ready, err
}

func waitWritable(rc syscall.RawConn) error {
	return rc.Write(func(fd uintptr) bool {
		return writableFD(int(fd))
	})
}

// queuedBytes asks the kernel how many bytes wait in the receive queue
func queuedBytes(rc syscall.RawConn) (int, error) {
	var (
		n    int
		qerr error
	)
	err := rc.Control(func(fd uintptr) {
		n, qerr = unix.IoctlGetInt(int(fd), unix.SIOCINQ)
	})
	if err != nil {
		return 0, err
	}
	if qerr != nil {
		return 0, os.NewSyscallError("ioctl", qerr)
	}
	return n, nil
}

func setReusePort(rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return os.NewSyscallError("setsockopt", serr)
}

func getOption(rc syscall.RawConn, opt Option) (int, error) {
	var (
		v    int
		gerr error
	)
	err := rc.Control(func(fd uintptr) {
		switch opt {
		case OptNoDelay:
			v, gerr = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY)
		case OptKeepAlive:
			v, gerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE)
		case OptReadBuffer:
			v, gerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		case OptWriteBuffer:
			v, gerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
		case OptLinger:
			var l *unix.Linger
			l, gerr = unix.GetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER)
			if gerr == nil {
				v = -1
				if l.Onoff != 0 {
					v = int(l.Linger)
				}
			}
		default:
			gerr = ErrUnsupported
		}
	})
	if err != nil {
		return 0, err
	}
	if gerr != nil {
		if errors.Is(gerr, ErrUnsupported) {
			return 0, gerr
		}
		return 0, os.NewSyscallError("getsockopt", gerr)
	}
	if (opt == OptNoDelay || opt == OptKeepAlive) && v != 0 {
		v = 1
	}
	return v, nil
}
