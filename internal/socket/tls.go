package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/codefionn/netcore/internal/consts"
)

// TLSSocket is a stream socket whose bytes travel through TLS. Everything
// except byte transfer is inherited from the embedded TCPSocket, which keeps
// the raw connection.
type TLSSocket struct {
	*TCPSocket

	config           *tls.Config
	handshakeTimeout time.Duration

	mu      sync.Mutex
	session *tls.Conn
	pending []byte
}

// NewTLSSocket returns an empty blocking TLS socket using config
func NewTLSSocket(config *tls.Config) *TLSSocket {
	return &TLSSocket{
		TCPSocket:        NewTCPSocket(),
		config:           config,
		handshakeTimeout: consts.Timeout10Seconds,
	}
}

// SetHandshakeTimeout bounds the handshake performed on first use
func (t *TLSSocket) SetHandshakeTimeout(d time.Duration) {
	t.mu.Lock()
	t.handshakeTimeout = d
	t.mu.Unlock()
}

// Open connects and completes the client handshake in ModeConnect. ModeBind
// only binds; accepted handles are wrapped when attached. Datagram TLS is not
// supported.
func (t *TLSSocket) Open(ctx context.Context, host Host, mode Mode, blocking bool, timeout time.Duration) error {
	if mode == ModeCreate {
		return &Error{Kind: KindConnection, Op: "open", Err: ErrUnsupported}
	}
	if err := t.TCPSocket.Open(ctx, host, mode, blocking, timeout); err != nil {
		return err
	}
	if mode != ModeConnect {
		return nil
	}

	raw, _, err := t.TCPSocket.stream()
	if err != nil {
		return err
	}
	cfg := t.clientConfig(host.Address)
	session := tls.Client(raw, cfg)

	hctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := session.HandshakeContext(hctx); err != nil {
		_ = t.TCPSocket.Close()
		return wrap("handshake", err)
	}

	t.mu.Lock()
	t.session = session
	t.pending = nil
	t.mu.Unlock()
	return nil
}

func (t *TLSSocket) clientConfig(serverName string) *tls.Config {
	var cfg *tls.Config
	if t.config != nil {
		cfg = t.config.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return cfg
}

// Attach takes ownership of h and wraps it as the server side of a TLS
// session when accepted is set, as the client side otherwise. The handshake
// runs on first use.
func (t *TLSSocket) Attach(h *Handle, accepted bool) error {
	if accepted && t.config == nil {
		return &Error{Kind: KindConnection, Op: "attach", Err: errors.New("no TLS key bundle configured")}
	}
	if err := t.TCPSocket.Attach(h, accepted); err != nil {
		return err
	}
	raw, _, err := t.TCPSocket.stream()
	if err != nil {
		return err
	}

	var session *tls.Conn
	if accepted {
		session = tls.Server(raw, t.config)
	} else {
		session = tls.Client(raw, t.clientConfig(t.TCPSocket.Host().Address))
	}

	t.mu.Lock()
	t.session = session
	t.pending = nil
	t.mu.Unlock()
	return nil
}

// Detach returns the TLS session as a handle. Plaintext decoded by
// ReadyToRead but not yet read is dropped.
func (t *TLSSocket) Detach() *Handle {
	t.mu.Lock()
	session := t.session
	t.session = nil
	t.pending = nil
	t.mu.Unlock()

	raw := t.TCPSocket.Detach()
	if session == nil {
		return raw
	}
	raw.Release()
	return NewHandle(session)
}

// established returns the session after completing the handshake
func (t *TLSSocket) established() (*tls.Conn, error) {
	t.mu.Lock()
	session := t.session
	timeout := t.handshakeTimeout
	t.mu.Unlock()
	if session == nil {
		return nil, ErrNotOpen
	}
	if session.ConnectionState().HandshakeComplete {
		return session, nil
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := session.HandshakeContext(ctx); err != nil {
		return nil, wrap("handshake", err)
	}
	return session, nil
}

// ConnectionState reports the negotiated TLS parameters
func (t *TLSSocket) ConnectionState() (tls.ConnectionState, error) {
	session, err := t.established()
	if err != nil {
		return tls.ConnectionState{}, err
	}
	return session.ConnectionState(), nil
}

func (t *TLSSocket) takePending(p []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return 0
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n
}

// Read returns decrypted bytes. Non-blocking reads give up after a short
// wait with ErrWouldBlock.
func (t *TLSSocket) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if n := t.takePending(p); n > 0 {
		return n, nil
	}
	session, err := t.established()
	if err != nil {
		return 0, err
	}
	if t.Blocking() {
		n, err := session.Read(p)
		return n, wrap("read", err)
	}
	n, err := t.pollRead(session, p)
	return n, wrap("read", err)
}

// ReadFrom reads like Read and reports the peer address
func (t *TLSSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := t.Read(p)
	return n, t.RemoteAddr(), err
}

// Write encrypts and sends all of p
func (t *TLSSocket) Write(p []byte) (int, error) {
	session, err := t.established()
	if err != nil {
		return 0, err
	}
	return t.writeAll(session, t.Blocking(), p)
}

// WriteTo writes like Write; addr is ignored
func (t *TLSSocket) WriteTo(p []byte, _ net.Addr) (int, error) {
	return t.Write(p)
}

// ReadyToRead accounts for plaintext TLS already decoded from records read
// earlier, which the kernel no longer reports as queued.
func (t *TLSSocket) ReadyToRead(timeout time.Duration) (bool, error) {
	t.mu.Lock()
	buffered := len(t.pending) > 0
	t.mu.Unlock()
	if buffered {
		return true, nil
	}

	session, err := t.established()
	if err != nil {
		return false, err
	}
	if ready, err := t.TCPSocket.ReadyToRead(0); err != nil || ready {
		return ready, err
	}

	scratch := make([]byte, consts.BufferSize4KB)
	n, err := t.pollRead(session, scratch)
	if n > 0 {
		t.mu.Lock()
		t.pending = append(t.pending, scratch[:n]...)
		t.mu.Unlock()
		return true, nil
	}
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		// end of stream or a failure; the next Read reports it
		return true, nil
	}
	return t.TCPSocket.ReadyToRead(timeout)
}

// Available adds decoded plaintext to the bytes queued in the kernel
func (t *TLSSocket) Available() (int, error) {
	n, err := t.TCPSocket.Available()
	t.mu.Lock()
	n += len(t.pending)
	t.mu.Unlock()
	return n, err
}

// Close sends close_notify when the handshake finished, then closes the
// raw connection. Closing twice is a no-op.
func (t *TLSSocket) Close() error {
	t.mu.Lock()
	session := t.session
	t.session = nil
	t.pending = nil
	t.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	return t.TCPSocket.Close()
}
