package socket

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHost(t *testing.T) {
	tests := []struct {
		input   string
		want    Host
		wantErr bool
	}{
		{"127.0.0.1:8080", Host{Address: "127.0.0.1", Port: 8080}, false},
		{"[::1]:443", Host{Address: "::1", Port: 443}, false},
		{"localhost:0", Host{Address: "localhost", Port: 0}, false},
		{"no-port", Host{}, true},
		{"host:99999", Host{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseHost(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestHandleReleasesOnce(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	h := NewHandle(a)
	assert.True(t, h.Valid())
	assert.Equal(t, a, h.Release())
	assert.Nil(t, h.Release())
	assert.False(t, h.Valid())
	assert.NoError(t, h.Close())
	_ = a.Close()
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsTimeout(wrap("read", os.ErrDeadlineExceeded)))
	assert.True(t, IsClosed(wrap("read", net.ErrClosed)))
	assert.Equal(t, io.EOF, wrap("read", io.EOF))
	assert.Equal(t, ErrWouldBlock, wrap("read", ErrWouldBlock))
	assert.Nil(t, wrap("read", nil))

	var se *Error
	require.ErrorAs(t, wrap("write", errors.New("broken pipe")), &se)
	assert.Equal(t, KindConnection, se.Kind)
	assert.Contains(t, se.Error(), "write")
}

// pair returns a connected client socket and the accepted server socket
func pair(t *testing.T) (client, server *TCPSocket) {
	t.Helper()

	ln := NewTCPSocket()
	require.NoError(t, ln.Bind("127.0.0.1", 0, false))
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan *Handle, 1)
	go func() {
		h, err := ln.Accept()
		if err == nil {
			accepted <- h
		}
		close(accepted)
	}()

	client = NewTCPSocket()
	require.NoError(t, client.Open(context.Background(), ln.Host(), ModeConnect, true, time.Second))
	t.Cleanup(func() { _ = client.Close() })

	h := <-accepted
	require.NotNil(t, h)
	server = NewTCPSocket()
	require.NoError(t, server.Attach(h, true))
	t.Cleanup(func() { _ = server.Close() })
	return client, server
}

func TestConnectReadWrite(t *testing.T) {
	client, server := pair(t)

	assert.True(t, server.Accepted())
	assert.False(t, client.Accepted())
	assert.Equal(t, ModeConnect, client.Mode())

	n, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestNonBlockingRead(t *testing.T) {
	client, server := pair(t)
	server.SetBlocking(false)

	buf := make([]byte, 16)
	_, err := server.Read(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	if runtime.GOOS == "linux" {
		ready, err := server.ReadyToRead(20 * time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ready)
	}

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	ready, err := server.ReadyToRead(time.Second)
	require.NoError(t, err)
	assert.True(t, ready)

	if runtime.GOOS == "linux" {
		avail, err := server.Available()
		require.NoError(t, err)
		assert.Equal(t, 4, avail)
	}

	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestPeerCloseYieldsEOF(t *testing.T) {
	client, server := pair(t)
	require.NoError(t, client.Close())

	ready, err := server.ReadyToRead(time.Second)
	require.NoError(t, err)
	assert.True(t, ready)

	_, err = server.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
}

func TestCloseInterruptsBlockedRead(t *testing.T) {
	_, server := pair(t)

	done := make(chan error, 1)
	go func() {
		_, err := server.Read(make([]byte, 8))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, server.Close())
	assert.NoError(t, server.Close())
	assert.False(t, server.IsOpen())

	select {
	case err := <-done:
		assert.True(t, IsClosed(err), "unexpected error %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("read was not interrupted by Close")
	}

	_, err := server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestDetachAndAttach(t *testing.T) {
	client, server := pair(t)

	h := server.Detach()
	require.NotNil(t, h)
	assert.False(t, server.IsOpen())
	assert.Nil(t, server.Detach())

	other := NewTCPSocket()
	defer other.Close()
	require.NoError(t, other.Attach(h, true))
	assert.ErrorIs(t, NewTCPSocket().Attach(h, true), ErrHandleReleased)
	assert.ErrorIs(t, other.Attach(NewHandle(nil), true), ErrHandleReleased)

	_, err := client.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = other.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf))
}

func TestOpenTwiceFails(t *testing.T) {
	s := NewTCPSocket()
	require.NoError(t, s.Bind("127.0.0.1", 0, false))
	defer s.Close()
	assert.ErrorIs(t, s.Listen(0, false), ErrAlreadyOpen)
}

func TestReusePortSharesPort(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("SO_REUSEPORT is only wired on linux")
	}
	first := NewTCPSocket()
	require.NoError(t, first.Bind("127.0.0.1", 0, true))
	defer first.Close()

	second := NewTCPSocket()
	require.NoError(t, second.Bind("127.0.0.1", first.Host().Port, true))
	defer second.Close()

	assert.Equal(t, first.Host().Port, second.Host().Port)

	third := NewTCPSocket()
	assert.Error(t, third.Bind("127.0.0.1", first.Host().Port, false))
}

func TestDatagram(t *testing.T) {
	a := NewTCPSocket()
	require.NoError(t, a.Open(context.Background(), NewHost("127.0.0.1", 0), ModeCreate, true, 0))
	defer a.Close()
	b := NewTCPSocket()
	require.NoError(t, b.Open(context.Background(), NewHost("127.0.0.1", 0), ModeCreate, true, 0))
	defer b.Close()

	_, err := a.WriteTo([]byte("dgram"), b.LocalAddr())
	require.NoError(t, err)

	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 32)
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "dgram", string(buf[:n]))
	assert.Equal(t, a.LocalAddr().String(), from.String())

	_, err = a.Write([]byte("no peer"))
	assert.Error(t, err)
}

func TestSocketOptions(t *testing.T) {
	_, server := pair(t)

	require.NoError(t, server.SetOption(OptNoDelay, 0))
	v, err := server.Option(OptNoDelay)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, server.SetOption(OptNoDelay, 1))
	v, err = server.Option(OptNoDelay)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, server.SetOption(OptKeepAlive, 1))
	v, err = server.Option(OptKeepAlive)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestReadyToWrite(t *testing.T) {
	client, _ := pair(t)
	ready, err := client.ReadyToWrite(time.Second)
	require.NoError(t, err)
	assert.True(t, ready)

	empty := NewTCPSocket()
	_, err = empty.ReadyToWrite(0)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

func TestTLSRoundTrip(t *testing.T) {
	serverConfig := selfSignedConfig(t)

	ln := NewTCPSocket()
	require.NoError(t, ln.Bind("127.0.0.1", 0, false))
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		h, err := ln.Accept()
		if err != nil {
			received <- err.Error()
			return
		}
		server := NewTLSSocket(serverConfig)
		defer server.Close()
		if err := server.Attach(h, true); err != nil {
			received <- err.Error()
			return
		}
		server.SetBlocking(false)
		buf := make([]byte, 64)
		for {
			ready, err := server.ReadyToRead(time.Second)
			if err != nil {
				received <- err.Error()
				return
			}
			if !ready {
				continue
			}
			n, err := server.Read(buf)
			if errors.Is(err, ErrWouldBlock) {
				continue
			}
			if err != nil {
				received <- err.Error()
				return
			}
			_, _ = server.Write([]byte("ack"))
			received <- string(buf[:n])
			return
		}
	}()

	client := NewTLSSocket(&tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12})
	require.NoError(t, client.Open(context.Background(), ln.Host(), ModeConnect, true, 5*time.Second))
	defer client.Close()

	state, err := client.ConnectionState()
	require.NoError(t, err)
	assert.True(t, state.HandshakeComplete)

	_, err = client.Write([]byte("secret"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "secret", got)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the payload")
	}

	buf := make([]byte, 3)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(buf))
}

func TestTLSRejectsDatagram(t *testing.T) {
	s := NewTLSSocket(nil)
	err := s.Open(context.Background(), NewHost("127.0.0.1", 0), ModeCreate, true, 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}
