package server

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/netcore/internal/logger"
	"github.com/codefionn/netcore/internal/socket"
)

var plain = ConnectionType{Name: "http"}

// lineConn answers one line with its upper-cased copy
type lineConn struct {
	sock  socket.Socket
	delay time.Duration
	ran   chan struct{}
}

func (c *lineConn) Run(ctx context.Context) error {
	if c.ran != nil {
		close(c.ran)
	}
	r := bufio.NewReader(readerFunc(c.sock.Read))
	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	time.Sleep(c.delay)
	_, err = c.sock.Write([]byte(strings.ToUpper(line)))
	return err
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Factory == nil {
		opts.Factory = func(ct ConnectionType, sock socket.Socket) (Connection, error) {
			return &lineConn{sock: sock}, nil
		}
	}
	opts.Logger = logger.NewWriter(logger.LevelNone, io.Discard, "")
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func roundTrip(t *testing.T, conn net.Conn, msg string) string {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Write([]byte(msg + "\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(reply)
}

func TestServeOnEphemeralPort(t *testing.T) {
	s := newTestServer(t, Options{PoolSize: 2})
	l, err := s.AddListener(plain, 0, 2)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, []int{l.Port()}, s.Ports())
	assert.Equal(t, 2, l.Threads())

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", l.Port()))
		require.NoError(t, err)
		assert.Equal(t, "HELLO", roundTrip(t, conn, "hello"))
		_ = conn.Close()
	}
	assert.Equal(t, uint64(3), l.Accepted())

	require.Eventually(t, func() bool { return s.Stats().Completed == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestSecondListenerOnPortRejected(t *testing.T) {
	tests := []struct {
		name string
		ct   ConnectionType
		err  error
	}{
		{name: "same type", ct: plain, err: ErrDuplicateListener},
		{name: "other type", ct: ConnectionType{Name: "soap"}, err: ErrPortInUse},
		{name: "same name secure", ct: ConnectionType{Name: plain.Name, Secure: true}, err: ErrPortInUse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			certFile, keyFile := writeKeyPair(t)
			kb, err := LoadKeyBundle(certFile, keyFile)
			require.NoError(t, err)
			s := newTestServer(t, Options{TLS: kb})
			first, err := s.AddListener(plain, 0, 1)
			require.NoError(t, err)

			_, err = s.AddListener(tt.ct, first.Port(), 1)
			assert.ErrorIs(t, err, tt.err)
			assert.Len(t, s.Listeners(first.Port()), 1)
		})
	}
}

func TestAllowScreensPeers(t *testing.T) {
	var built atomic.Int32
	s := newTestServer(t, Options{
		Allow: func(remote net.Addr) bool { return false },
		Factory: func(ct ConnectionType, sock socket.Socket) (Connection, error) {
			built.Add(1)
			return &lineConn{sock: sock}, nil
		},
	})
	l, err := s.AddListener(plain, 0, 1)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, int32(0), built.Load())
}

func TestStopFinishesInFlightConnections(t *testing.T) {
	ran := make(chan struct{})
	s := newTestServer(t, Options{
		Factory: func(ct ConnectionType, sock socket.Socket) (Connection, error) {
			return &lineConn{sock: sock, delay: 100 * time.Millisecond, ran: ran}, nil
		},
	})
	l1, err := s.AddListener(plain, 0, 1)
	require.NoError(t, err)
	l2, err := s.AddListener(plain, 0, 3)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	conn, err := net.Dial("tcp", l1.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("late reply\n"))
	require.NoError(t, err)
	<-ran

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Stop(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "LATE REPLY\n", reply)

	for _, l := range []*Listener{l1, l2} {
		_, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
		assert.Error(t, err, "port %d still accepting", l.Port())
	}
	assert.Empty(t, s.Ports())

	assert.NoError(t, s.Stop(context.Background()))
	_, err = s.AddListener(plain, 0, 1)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRemoveListener(t *testing.T) {
	s := newTestServer(t, Options{})
	l, err := s.AddListener(plain, 0, 2)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.RemoveListener(l.Port()))
	assert.Empty(t, s.Listeners(l.Port()))
	assert.ErrorIs(t, s.RemoveListener(l.Port()), ErrNoListener)

	_, err = net.DialTimeout("tcp", l.Addr().String(), time.Second)
	assert.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
}

func TestContextCancellationStops(t *testing.T) {
	s := newTestServer(t, Options{})
	_, err := s.AddListener(plain, 0, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after context cancellation")
	}
}

func TestFactoryErrorClosesSocket(t *testing.T) {
	s := newTestServer(t, Options{
		Factory: func(ct ConnectionType, sock socket.Socket) (Connection, error) {
			return nil, errors.New("no handler")
		},
	})
	l, err := s.AddListener(plain, 0, 1)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func writeKeyPair(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}

func TestSecureListener(t *testing.T) {
	secure := ConnectionType{Name: "http", Secure: true}

	s := newTestServer(t, Options{})
	_, err := s.AddListener(secure, 0, 1)
	assert.ErrorIs(t, err, ErrNoKeyBundle)

	certFile, keyFile := writeKeyPair(t)
	kb, err := LoadKeyBundle(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"http/1.1"}, kb.Config().NextProtos)
	s.SetKeyBundle(kb)
	assert.Same(t, kb, s.KeyBundle())

	l, err := s.AddListener(secure, 0, 1)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	conn, err := tls.Dial("tcp", l.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "SECRET", roundTrip(t, conn, "secret"))

	_, err = LoadKeyBundle(filepath.Join(t.TempDir(), "missing.pem"), keyFile)
	assert.Error(t, err)
}

// idleConn waits for the server to drain, like a keep-alive connection
// between requests
type idleConn struct {
	started chan struct{}
}

func (c *idleConn) Run(ctx context.Context) error {
	close(c.started)
	select {
	case <-Draining(ctx):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestStopSignalsDrainingToIdleConnections(t *testing.T) {
	started := make(chan struct{})
	s := newTestServer(t, Options{
		PoolSize: 1,
		Factory: func(ct ConnectionType, sock socket.Socket) (Connection, error) {
			return &idleConn{started: started}, nil
		},
	})
	l, err := s.AddListener(plain, 0, 1)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", l.Port()))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("connection never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	begin := time.Now()
	require.NoError(t, s.Stop(ctx))
	assert.Less(t, time.Since(begin), 4*time.Second)
}

func TestDrainingOutsideServerNeverFires(t *testing.T) {
	assert.Nil(t, Draining(context.Background()))
}
