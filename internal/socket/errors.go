package socket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// Kind classifies socket failures so callers can retry or fail fast differently
type Kind int

const (
	// KindConnection is an OS-level socket failure
	KindConnection Kind = iota
	// KindTimeout means a read, write or connect exceeded its bound
	KindTimeout
	// KindClosed means the socket was closed locally while in use
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection error"
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "socket closed"
	default:
		return fmt.Sprintf("unknown socket error kind %d", int(k))
	}
}

var (
	// ErrWouldBlock is returned by reads on a non-blocking socket with no data queued
	ErrWouldBlock = errors.New("socket: operation would block")
	// ErrNotOpen is returned by operations on an empty or closed socket
	ErrNotOpen = errors.New("socket: not open")
	// ErrAlreadyOpen is returned when opening or attaching an open socket
	ErrAlreadyOpen = errors.New("socket: already open")
	// ErrHandleReleased is returned when attaching a handle that was already consumed
	ErrHandleReleased = errors.New("socket: handle already released")
	// ErrUnsupported is returned for operations the socket mode cannot perform
	ErrUnsupported = errors.New("socket: operation not supported in this mode")
)

// Error is a failed socket operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("socket %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("socket %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the error is a timeout; it lets *Error satisfy net.Error checks.
func (e *Error) Timeout() bool {
	return e.Kind == KindTimeout
}

// IsTimeout reports whether err is a socket timeout
func IsTimeout(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == KindTimeout
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// IsClosed reports whether err means the socket was closed locally
func IsClosed(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == KindClosed
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, ErrNotOpen)
}

// wrap classifies an error from the net package. io.EOF, ErrWouldBlock and
// nil pass through untouched.
func wrap(op string, err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, ErrWouldBlock) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrNotOpen) {
		return &Error{Kind: KindClosed, Op: op, Err: err}
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindConnection, Op: op, Err: err}
}
