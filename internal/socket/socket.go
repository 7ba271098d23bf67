// Package socket wraps OS network handles behind a small capability set
// shared by plaintext and TLS sockets.
package socket

import (
	"context"
	"net"
	"time"
)

// Mode selects how Open prepares a socket
type Mode int

const (
	// ModeCreate opens an unconnected datagram socket
	ModeCreate Mode = iota
	// ModeConnect dials a stream connection to the host
	ModeConnect
	// ModeBind binds the host address and listens on it
	ModeBind
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeConnect:
		return "connect"
	case ModeBind:
		return "bind"
	default:
		return "unknown"
	}
}

// Option names a socket option readable through Socket.Option
type Option int

const (
	// OptNoDelay toggles TCP_NODELAY (0 or 1)
	OptNoDelay Option = iota
	// OptKeepAlive toggles SO_KEEPALIVE (0 or 1)
	OptKeepAlive
	// OptReadBuffer is SO_RCVBUF in bytes
	OptReadBuffer
	// OptWriteBuffer is SO_SNDBUF in bytes
	OptWriteBuffer
	// OptLinger is SO_LINGER in seconds, -1 when disabled
	OptLinger
)

func (o Option) String() string {
	switch o {
	case OptNoDelay:
		return "nodelay"
	case OptKeepAlive:
		return "keepalive"
	case OptReadBuffer:
		return "rcvbuf"
	case OptWriteBuffer:
		return "sndbuf"
	case OptLinger:
		return "linger"
	default:
		return "unknown"
	}
}

// Socket is the capability set shared by plaintext and TLS sockets. A socket
// is either empty, open (connected, bound or datagram) or closed; Close may be
// called any number of times.
type Socket interface {
	Open(ctx context.Context, host Host, mode Mode, blocking bool, timeout time.Duration) error
	Bind(address string, port int, reusePort bool) error
	Listen(port int, reusePort bool) error
	Accept() (*Handle, error)
	Attach(h *Handle, accepted bool) error
	Detach() *Handle

	Read(p []byte) (int, error)
	ReadFrom(p []byte) (int, net.Addr, error)
	Write(p []byte) (int, error)
	WriteTo(p []byte, addr net.Addr) (int, error)

	ReadyToRead(timeout time.Duration) (bool, error)
	ReadyToWrite(timeout time.Duration) (bool, error)
	Available() (int, error)

	SetBlocking(blocking bool)
	Blocking() bool
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetOption(opt Option, value int) error
	Option(opt Option) (int, error)

	Host() Host
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	IsOpen() bool
	Close() error
}

var (
	_ Socket = (*TCPSocket)(nil)
	_ Socket = (*TLSSocket)(nil)
)
