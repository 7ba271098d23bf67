package socket

import (
	"net"
	"sync"
)

// Handle carries ownership of one connected network handle between owners,
// for example from a listener's Accept to the socket serving the connection.
// The wrapped connection can be released exactly once.
type Handle struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewHandle wraps conn in a handle that owns it
func NewHandle(conn net.Conn) *Handle {
	return &Handle{conn: conn}
}

// Release transfers ownership of the connection to the caller. Every call
// after the first returns nil.
func (h *Handle) Release() net.Conn {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	conn := h.conn
	h.conn = nil
	return conn
}

// Valid reports whether the handle still owns a connection
func (h *Handle) Valid() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// RemoteAddr returns the peer address, or nil once released
func (h *Handle) RemoteAddr() net.Addr {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	return h.conn.RemoteAddr()
}

// Close closes the connection if the handle still owns it. It is used to
// drop an accepted connection that no socket took over.
func (h *Handle) Close() error {
	if conn := h.Release(); conn != nil {
		return conn.Close()
	}
	return nil
}
