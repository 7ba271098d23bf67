package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/codefionn/netcore/internal/consts"
)

// pollWait is how long a non-blocking read waits when the connection offers
// no raw descriptor to poll.
const pollWait = time.Millisecond

// TCPSocket is a plaintext stream socket. Opened in ModeCreate it carries an
// unconnected UDP endpoint instead.
//
// The mutex guards state only; it is never held across I/O, so Close from
// another goroutine interrupts a blocked Read or Write.
type TCPSocket struct {
	mu            sync.Mutex
	conn          net.Conn
	listener      net.Listener
	packet        net.PacketConn
	host          Host
	mode          Mode
	blocking      bool
	accepted      bool
	readDeadline  time.Time
	writeDeadline time.Time
	writeTimeout  time.Duration
	options       map[Option]int
}

// NewTCPSocket returns an empty blocking socket
func NewTCPSocket() *TCPSocket {
	return &TCPSocket{
		blocking:     true,
		writeTimeout: consts.Timeout30Seconds,
		options:      make(map[Option]int),
	}
}

func (s *TCPSocket) openLocked() bool {
	return s.conn != nil || s.listener != nil || s.packet != nil
}

// install stores a freshly created endpoint unless the socket was opened
// concurrently, in which case the new endpoint is closed again.
func (s *TCPSocket) install(c io.Closer, set func()) error {
	s.mu.Lock()
	if s.openLocked() {
		s.mu.Unlock()
		_ = c.Close()
		return ErrAlreadyOpen
	}
	set()
	s.mu.Unlock()
	return nil
}

// Open prepares the socket for host according to mode. A zero timeout in
// ModeConnect waits for the dial as long as ctx allows.
func (s *TCPSocket) Open(ctx context.Context, host Host, mode Mode, blocking bool, timeout time.Duration) error {
	if s.IsOpen() {
		return ErrAlreadyOpen
	}

	switch mode {
	case ModeCreate:
		var lc net.ListenConfig
		pc, err := lc.ListenPacket(ctx, "udp", host.String())
		if err != nil {
			return wrap("open", err)
		}
		return s.install(pc, func() {
			s.packet = pc
			s.host = HostFromAddr(pc.LocalAddr())
			s.mode = ModeCreate
			s.blocking = blocking
			s.accepted = false
		})
	case ModeConnect:
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", host.String())
		if err != nil {
			return wrap("connect", err)
		}
		return s.install(conn, func() {
			s.conn = conn
			s.host = host
			s.mode = ModeConnect
			s.blocking = blocking
			s.accepted = false
		})
	case ModeBind:
		if err := s.Bind(host.Address, host.Port, false); err != nil {
			return err
		}
		s.SetBlocking(blocking)
		return nil
	default:
		return &Error{Kind: KindConnection, Op: "open", Err: errors.New("unknown mode " + mode.String())}
	}
}

// Bind binds address:port and starts listening with the kernel's maximum
// backlog. With reusePort several sockets may bind the same port.
func (s *TCPSocket) Bind(address string, port int, reusePort bool) error {
	if s.IsOpen() {
		return ErrAlreadyOpen
	}

	var lc net.ListenConfig
	if reusePort {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			return setReusePort(c)
		}
	}
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return wrap("bind", err)
	}
	return s.install(ln, func() {
		s.listener = ln
		s.host = HostFromAddr(ln.Addr())
		s.mode = ModeBind
		s.accepted = false
	})
}

// Listen binds every interface on port
func (s *TCPSocket) Listen(port int, reusePort bool) error {
	return s.Bind("", port, reusePort)
}

// Accept waits for the next inbound connection on a bound socket
func (s *TCPSocket) Accept() (*Handle, error) {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil, ErrNotOpen
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, wrap("accept", err)
	}
	return NewHandle(conn), nil
}

// Attach takes ownership of the connection held by h. accepted marks a
// server-side connection.
func (s *TCPSocket) Attach(h *Handle, accepted bool) error {
	if !h.Valid() {
		return ErrHandleReleased
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openLocked() {
		return ErrAlreadyOpen
	}
	conn := h.Release()
	if conn == nil {
		return ErrHandleReleased
	}
	s.conn = conn
	s.host = HostFromAddr(conn.RemoteAddr())
	s.mode = ModeConnect
	s.accepted = accepted
	s.readDeadline = time.Time{}
	s.writeDeadline = time.Time{}
	return nil
}

// Detach hands the connection back as a handle and leaves the socket empty.
// It returns nil when no stream connection is attached.
func (s *TCPSocket) Detach() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	return NewHandle(conn)
}

// Accepted reports whether the attached connection came from a listener
func (s *TCPSocket) Accepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// stream returns the attached connection and the current blocking flag
func (s *TCPSocket) stream() (net.Conn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, false, ErrNotOpen
	}
	return s.conn, s.blocking, nil
}

func (s *TCPSocket) datagram() net.PacketConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packet
}

func (s *TCPSocket) currentReadDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readDeadline
}

// Read reads up to len(p) bytes. A blocking socket waits for data; a
// non-blocking socket returns ErrWouldBlock when nothing is queued. The peer
// closing the connection yields io.EOF.
func (s *TCPSocket) Read(p []byte) (int, error) {
	if s.datagram() != nil {
		n, _, err := s.ReadFrom(p)
		return n, err
	}
	conn, blocking, err := s.stream()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if blocking {
		n, err := conn.Read(p)
		return n, wrap("read", err)
	}
	n, err := s.readNow(conn, p)
	return n, wrap("read", err)
}

// readNow performs one read that never waits for data
func (s *TCPSocket) readNow(conn net.Conn, p []byte) (int, error) {
	if rc, ok := rawConn(conn); ok && rawSupported {
		return rawRead(rc, p)
	}
	return s.pollRead(conn, p)
}

// pollRead emulates a non-blocking read with a short deadline
func (s *TCPSocket) pollRead(conn net.Conn, p []byte) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(pollWait)); err != nil {
		return 0, err
	}
	n, err := conn.Read(p)
	_ = conn.SetReadDeadline(s.currentReadDeadline())
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		if n == 0 {
			return 0, ErrWouldBlock
		}
		err = nil
	}
	return n, err
}

// ReadFrom reads one datagram in ModeCreate; on stream sockets it reads like
// Read and reports the peer address.
func (s *TCPSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	pc := s.datagram()
	if pc == nil {
		n, err := s.Read(p)
		return n, s.RemoteAddr(), err
	}

	s.mu.Lock()
	blocking := s.blocking
	restore := s.readDeadline
	s.mu.Unlock()

	if blocking {
		n, addr, err := pc.ReadFrom(p)
		return n, addr, wrap("read", err)
	}
	if err := pc.SetReadDeadline(time.Now().Add(pollWait)); err != nil {
		return 0, nil, wrap("read", err)
	}
	n, addr, err := pc.ReadFrom(p)
	_ = pc.SetReadDeadline(restore)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, nil, ErrWouldBlock
	}
	return n, addr, wrap("read", err)
}

// Write sends all of p. It loops until every byte is written or an error
// occurs; a non-blocking socket gives up after the write timeout.
func (s *TCPSocket) Write(p []byte) (int, error) {
	if s.datagram() != nil {
		return 0, &Error{Kind: KindConnection, Op: "write", Err: ErrUnsupported}
	}
	conn, blocking, err := s.stream()
	if err != nil {
		return 0, err
	}
	return s.writeAll(conn, blocking, p)
}

func (s *TCPSocket) writeAll(conn net.Conn, blocking bool, p []byte) (int, error) {
	if !blocking {
		s.mu.Lock()
		timeout, restore := s.writeTimeout, s.writeDeadline
		s.mu.Unlock()
		if timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				return 0, wrap("write", err)
			}
			defer func() { _ = conn.SetWriteDeadline(restore) }()
		}
	}

	total := 0
	for total < len(p) {
		n, err := conn.Write(p[total:])
		total += n
		if err != nil {
			return total, wrap("write", err)
		}
		if n == 0 {
			return total, wrap("write", io.ErrShortWrite)
		}
	}
	return total, nil
}

// WriteTo sends one datagram to addr in ModeCreate; on stream sockets it
// writes like Write and ignores addr.
func (s *TCPSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	pc := s.datagram()
	if pc == nil {
		return s.Write(p)
	}
	n, err := pc.WriteTo(p, addr)
	return n, wrap("write", err)
}

// endpoint returns whatever carries data: the stream or the datagram conn
func (s *TCPSocket) endpoint() (any, time.Time, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.conn != nil:
		return s.conn, s.readDeadline, s.writeDeadline, nil
	case s.packet != nil:
		return s.packet, s.readDeadline, s.writeDeadline, nil
	case s.listener != nil:
		return nil, time.Time{}, time.Time{}, ErrUnsupported
	default:
		return nil, time.Time{}, time.Time{}, ErrNotOpen
	}
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// ReadyToRead waits up to timeout for readable data or end of stream. It
// waits once and reports false when the timeout passes first.
func (s *TCPSocket) ReadyToRead(timeout time.Duration) (bool, error) {
	target, restore, _, err := s.endpoint()
	if err != nil {
		return false, err
	}
	rc, ok := rawConn(target)
	if !ok || !rawSupported {
		// no descriptor to peek at; the next read decides
		return true, nil
	}

	ready, err := peekReady(rc)
	if err != nil {
		return false, wrap("poll", err)
	}
	if ready || timeout <= 0 {
		return ready, nil
	}

	dl := target.(deadliner)
	if err := dl.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, wrap("poll", err)
	}
	err = waitReadable(rc)
	_ = dl.SetReadDeadline(restore)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, wrap("poll", err)
	}
	return true, nil
}

// ReadyToWrite waits up to timeout until a write would not block
func (s *TCPSocket) ReadyToWrite(timeout time.Duration) (bool, error) {
	target, _, restore, err := s.endpoint()
	if err != nil {
		return false, err
	}
	rc, ok := rawConn(target)
	if !ok || !rawSupported {
		return true, nil
	}

	ready, err := writableNow(rc)
	if err != nil {
		return false, wrap("poll", err)
	}
	if ready || timeout <= 0 {
		return ready, nil
	}

	dl := target.(deadliner)
	if err := dl.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return false, wrap("poll", err)
	}
	err = waitWritable(rc)
	_ = dl.SetWriteDeadline(restore)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, wrap("poll", err)
	}
	return true, nil
}

// Available reports how many bytes the kernel holds for the next reads. It
// reports 0 where the platform cannot tell.
func (s *TCPSocket) Available() (int, error) {
	target, _, _, err := s.endpoint()
	if err != nil {
		return 0, err
	}
	rc, ok := rawConn(target)
	if !ok || !rawSupported {
		return 0, nil
	}
	n, err := queuedBytes(rc)
	return n, wrap("available", err)
}

// SetBlocking switches between waiting and would-block reads
func (s *TCPSocket) SetBlocking(blocking bool) {
	s.mu.Lock()
	s.blocking = blocking
	s.mu.Unlock()
}

// Blocking reports the read mode
func (s *TCPSocket) Blocking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocking
}

// SetWriteTimeout bounds writes on a non-blocking socket; zero waits forever
func (s *TCPSocket) SetWriteTimeout(d time.Duration) {
	s.mu.Lock()
	s.writeTimeout = d
	s.mu.Unlock()
}

// SetReadDeadline sets the deadline of blocking reads; the zero time clears it
func (s *TCPSocket) SetReadDeadline(t time.Time) error {
	target, _, _, err := s.endpoint()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.readDeadline = t
	s.mu.Unlock()
	return wrap("deadline", target.(deadliner).SetReadDeadline(t))
}

// SetWriteDeadline sets the deadline of writes; the zero time clears it
func (s *TCPSocket) SetWriteDeadline(t time.Time) error {
	target, _, _, err := s.endpoint()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.writeDeadline = t
	s.mu.Unlock()
	return wrap("deadline", target.(deadliner).SetWriteDeadline(t))
}

type bufferSizer interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

// SetOption sets a socket option; boolean options take 0 or 1
func (s *TCPSocket) SetOption(opt Option, value int) error {
	target, _, _, err := s.endpoint()
	if err != nil {
		return err
	}

	tc, isTCP := target.(*net.TCPConn)
	switch opt {
	case OptNoDelay:
		if !isTCP {
			return ErrUnsupported
		}
		err = tc.SetNoDelay(value != 0)
	case OptKeepAlive:
		if !isTCP {
			return ErrUnsupported
		}
		err = tc.SetKeepAlive(value != 0)
	case OptLinger:
		if !isTCP {
			return ErrUnsupported
		}
		err = tc.SetLinger(value)
	case OptReadBuffer, OptWriteBuffer:
		bs, ok := target.(bufferSizer)
		if !ok {
			return ErrUnsupported
		}
		if opt == OptReadBuffer {
			err = bs.SetReadBuffer(value)
		} else {
			err = bs.SetWriteBuffer(value)
		}
	default:
		return ErrUnsupported
	}
	if err != nil {
		return wrap("setsockopt", err)
	}

	s.mu.Lock()
	s.options[opt] = value
	s.mu.Unlock()
	return nil
}

// Option reads a socket option back from the kernel where possible, else
// the last value set through SetOption.
func (s *TCPSocket) Option(opt Option) (int, error) {
	target, _, _, err := s.endpoint()
	if err != nil {
		return 0, err
	}
	if rc, ok := rawConn(target); ok && rawSupported {
		v, err := getOption(rc, opt)
		return v, wrap("getsockopt", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.options[opt]
	if !ok {
		return 0, ErrUnsupported
	}
	return v, nil
}

// Host returns the peer of a stream socket or the bound address otherwise
func (s *TCPSocket) Host() Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Mode returns how the socket was opened
func (s *TCPSocket) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// RemoteAddr returns the peer address of a stream socket
func (s *TCPSocket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.RemoteAddr()
	}
	return nil
}

// LocalAddr returns the local address of whatever endpoint is open
func (s *TCPSocket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.conn != nil:
		return s.conn.LocalAddr()
	case s.listener != nil:
		return s.listener.Addr()
	case s.packet != nil:
		return s.packet.LocalAddr()
	}
	return nil
}

// IsOpen reports whether the socket holds an endpoint
func (s *TCPSocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

// Close releases the endpoint. Closing an empty or closed socket is a no-op.
func (s *TCPSocket) Close() error {
	s.mu.Lock()
	conn, ln, pc := s.conn, s.listener, s.packet
	s.conn, s.listener, s.packet = nil, nil, nil
	s.mu.Unlock()

	var errs []error
	for _, c := range []io.Closer{conn, ln, pc} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return wrap("close", errors.Join(errs...))
	}
	return nil
}

// rawConn exposes the descriptor of connections backed by the OS
func rawConn(c any) (syscall.RawConn, bool) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, false
	}
	return rc, true
}
