// Package bufreader layers a read-ahead buffer over a socket so protocol
// code can read exact lengths and delimited lines without one system call
// per logical read.
package bufreader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/codefionn/netcore/internal/consts"
	"github.com/codefionn/netcore/internal/socket"
)

// Source is the part of a socket the reader consumes
type Source interface {
	Read(p []byte) (int, error)
	ReadyToRead(timeout time.Duration) (bool, error)
	Available() (int, error)
}

// Kind classifies reader failures
type Kind int

const (
	// KindTimeout means no data arrived within the reader timeout
	KindTimeout Kind = iota
	// KindSystem is any other failure of the underlying socket
	KindSystem
)

var (
	// ErrTimeout matches every reader timeout through errors.Is
	ErrTimeout = errors.New("bufreader: timed out waiting for data")
	// ErrLineTooLong is returned when no delimiter occurs within the line limit
	ErrLineTooLong = errors.New("bufreader: line too long")
)

// Error wraps a failed read
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	kind := "system error"
	if e.Kind == KindTimeout {
		kind = "timeout"
	}
	return fmt.Sprintf("bufreader %s: %s: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every timeout match ErrTimeout
func (e *Error) Is(target error) bool {
	return target == ErrTimeout && e.Kind == KindTimeout
}

// Option configures a Reader
type Option func(*Reader)

// WithTimeout bounds how long one call may wait for data in total
func WithTimeout(d time.Duration) Option {
	return func(r *Reader) {
		r.timeout = d
	}
}

// WithChunkSize sets the minimum free space requested from one socket read
func WithChunkSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.chunk = n
		}
	}
}

// WithPollInterval sets the wait between would-block retries
func WithPollInterval(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.poll = d
		}
	}
}

// Reader is a read-ahead buffer over one Source. It is not safe for
// concurrent use; one connection goroutine owns it.
type Reader struct {
	src Source

	// buf[:off] is consumed, buf[off:] is unread, cap(buf) is free space
	buf []byte
	off int

	chunk   int
	timeout time.Duration
	poll    time.Duration

	delivered int64
	supplied  int64
}

// New returns a reader over src
func New(src Source, opts ...Option) *Reader {
	r := &Reader{
		src:     src,
		chunk:   consts.BufferSize4KB,
		timeout: consts.Timeout30Seconds,
		poll:    consts.PollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTimeout changes the per-call wait bound
func (r *Reader) SetTimeout(d time.Duration) {
	r.timeout = d
}

// Timeout returns the per-call wait bound
func (r *Reader) Timeout() time.Duration {
	return r.timeout
}

// Buffered returns the number of unread bytes held in memory
func (r *Reader) Buffered() int {
	return len(r.buf) - r.off
}

// Available reports unread bytes without blocking: the buffered count, or
// what the kernel has queued when the buffer is empty.
func (r *Reader) Available() int {
	if n := r.Buffered(); n > 0 {
		return n
	}
	n, err := r.src.Available()
	if err != nil {
		return 0
	}
	return n
}

// CanRead reports whether n bytes can be read without waiting
func (r *Reader) CanRead(n int) bool {
	if r.Buffered() >= n {
		return true
	}
	queued, err := r.src.Available()
	if err != nil {
		return false
	}
	return r.Buffered()+queued >= n
}

// Delivered returns the total number of bytes handed to callers
func (r *Reader) Delivered() int64 {
	return r.delivered
}

// Supplied returns the total number of bytes received from the source
func (r *Reader) Supplied() int64 {
	return r.supplied
}

// Read fills dst completely. It returns fewer bytes only together with
// io.EOF when the peer closed the connection.
func (r *Reader) Read(dst []byte) (int, error) {
	n := 0
	for n < len(dst) {
		if r.Buffered() > 0 {
			c := copy(dst[n:], r.buf[r.off:])
			r.consume(c)
			n += c
			continue
		}
		want := len(dst) - n
		if want > consts.BufferSize64KB {
			want = consts.BufferSize64KB
		}
		if err := r.fill(want); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ReadSome returns buffered bytes if there are any, else the bytes of one
// socket read. It waits like Read when nothing is available.
func (r *Reader) ReadSome(dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if r.Buffered() == 0 {
		if err := r.fill(r.chunk); err != nil {
			return 0, err
		}
	}
	c := copy(dst, r.buf[r.off:])
	r.consume(c)
	return c, nil
}

// ReadLine returns the bytes up to and including the first delim. With
// max > 0 a line longer than max bytes fails with ErrLineTooLong and stays
// unread. When the peer closes first the remaining bytes are returned with
// io.EOF.
func (r *Reader) ReadLine(delim []byte, max int) ([]byte, error) {
	if len(delim) == 0 {
		return nil, errors.New("bufreader: empty delimiter")
	}

	scanned := 0
	for {
		unread := r.buf[r.off:]
		// resume the search where the previous pass stopped, keeping enough
		// overlap for a delimiter split across two socket reads
		start := scanned - len(delim) + 1
		if start < 0 {
			start = 0
		}
		if i := bytes.Index(unread[start:], delim); i >= 0 {
			end := start + i + len(delim)
			if max > 0 && end > max {
				return nil, ErrLineTooLong
			}
			line := bytes.Clone(unread[:end])
			r.consume(end)
			return line, nil
		}
		scanned = len(unread)
		if max > 0 && scanned >= max {
			return nil, ErrLineTooLong
		}

		if err := r.fill(r.chunk); err != nil {
			if errors.Is(err, io.EOF) && r.Buffered() > 0 {
				rest := bytes.Clone(r.buf[r.off:])
				r.consume(len(rest))
				return rest, io.EOF
			}
			return nil, err
		}
	}
}

func (r *Reader) consume(n int) {
	r.off += n
	r.delivered += int64(n)
}

// compact drops the consumed prefix once it exceeds 3/4 of the used length
func (r *Reader) compact() {
	if r.off == 0 || r.off*4 <= len(r.buf)*3 {
		return
	}
	n := copy(r.buf, r.buf[r.off:])
	r.buf = r.buf[:n]
	r.off = 0
}

// reserve makes room for at least minFree more bytes, doubling the buffer
func (r *Reader) reserve(minFree int) {
	if minFree < r.chunk {
		minFree = r.chunk
	}
	if cap(r.buf)-len(r.buf) >= minFree {
		return
	}
	unread := len(r.buf) - r.off
	size := 2 * cap(r.buf)
	if size < unread+minFree {
		size = unread + minFree
	}
	grown := make([]byte, unread, size)
	copy(grown, r.buf[r.off:])
	r.buf = grown
	r.off = 0
}

// fill performs socket reads until at least one byte arrives. Would-block
// results wait on ReadyToRead for at most the poll interval at a time, up
// to the reader timeout overall.
func (r *Reader) fill(minFree int) error {
	r.compact()
	r.reserve(minFree)

	var deadline time.Time
	if r.timeout > 0 {
		deadline = time.Now().Add(r.timeout)
	}
	for {
		n, err := r.src.Read(r.buf[len(r.buf):cap(r.buf)])
		if n > 0 {
			r.buf = r.buf[:len(r.buf)+n]
			r.supplied += int64(n)
			return nil
		}

		switch {
		case err == nil, errors.Is(err, socket.ErrWouldBlock):
		case errors.Is(err, io.EOF):
			return io.EOF
		case socket.IsTimeout(err):
			return &Error{Kind: KindTimeout, Op: "read", Err: err}
		default:
			return &Error{Kind: KindSystem, Op: "read", Err: err}
		}

		wait := r.poll
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return &Error{Kind: KindTimeout, Op: "read", Err: ErrTimeout}
			}
			if remaining < wait {
				wait = remaining
			}
		}
		if _, err := r.src.ReadyToRead(wait); err != nil {
			if socket.IsTimeout(err) {
				continue
			}
			return &Error{Kind: KindSystem, Op: "poll", Err: err}
		}
	}
}
