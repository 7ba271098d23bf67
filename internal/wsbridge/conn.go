package wsbridge

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/netcore/internal/bufreader"
	"github.com/codefionn/netcore/internal/consts"
	"github.com/codefionn/netcore/internal/socket"
)

// netConn presents a socket as net.Conn. Reads go through the connection's
// read-ahead buffer so bytes received with the upgrade request are kept.
type netConn struct {
	sock socket.Socket
	r    *bufreader.Reader
}

func (c *netConn) Read(p []byte) (int, error) {
	return c.r.ReadSome(p)
}

func (c *netConn) Write(p []byte) (int, error) {
	return c.sock.Write(p)
}

func (c *netConn) Close() error {
	return c.sock.Close()
}

func (c *netConn) LocalAddr() net.Addr {
	return c.sock.LocalAddr()
}

func (c *netConn) RemoteAddr() net.Addr {
	return c.sock.RemoteAddr()
}

func (c *netConn) SetDeadline(t time.Time) error {
	return errors.Join(c.sock.SetReadDeadline(t), c.sock.SetWriteDeadline(t))
}

func (c *netConn) SetReadDeadline(t time.Time) error {
	return c.sock.SetReadDeadline(t)
}

func (c *netConn) SetWriteDeadline(t time.Time) error {
	return c.sock.SetWriteDeadline(t)
}

// responseWriter records a rejected handshake and hands the connection to
// the upgrader on success
type responseWriter struct {
	conn   *netConn
	header http.Header
	status int
	body   bytes.Buffer
	reason error

	hijacked bool
}

func (w *responseWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *responseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, errors.New("connection already hijacked")
	}
	w.hijacked = true
	rw := bufio.NewReadWriter(
		bufio.NewReaderSize(w.conn, consts.BufferSize4KB),
		bufio.NewWriterSize(w.conn, consts.BufferSize4KB),
	)
	return w.conn, rw, nil
}

var _ http.Hijacker = (*responseWriter)(nil)
