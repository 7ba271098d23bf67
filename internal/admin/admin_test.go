package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/netcore/internal/dispatch"
	"github.com/codefionn/netcore/internal/logger"
	"github.com/codefionn/netcore/internal/server"
	"github.com/codefionn/netcore/internal/service"
	"github.com/codefionn/netcore/internal/static"
)

func quiet() *logger.Logger {
	return logger.NewWriter(logger.LevelNone, io.Discard, "")
}

func TestStatsServesSnapshot(t *testing.T) {
	h := NewHandler(Config{}, func() Snapshot {
		return Snapshot{Requests: 7, Listeners: []ListenerStats{{Port: 8080, Type: "http", Threads: 2}}}
	}, quiet())

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uint64(7), snap.Requests)
	assert.False(t, snap.Timestamp.IsZero())
	require.Len(t, snap.Listeners, 1)
	assert.Equal(t, 8080, snap.Listeners[0].Port)
}

func TestRoutes(t *testing.T) {
	h := NewHandler(Config{}, nil, quiet())
	router := h.Router()

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "stats without collector", method: http.MethodGet, path: "/stats", status: http.StatusOK},
		{name: "health", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "pprof index", method: http.MethodGet, path: "/debug/pprof/", status: http.StatusOK},
		{name: "goroutine profile", method: http.MethodGet, path: "/debug/pprof/goroutine?debug=1", status: http.StatusOK},
		{name: "unknown", method: http.MethodGet, path: "/nope", status: http.StatusNotFound},
		{name: "wrong method", method: http.MethodDelete, path: "/stats", status: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestCollectorReportsRunningServer(t *testing.T) {
	reg := service.NewRegistry("netcore")
	require.NoError(t, service.RegisterBuiltins(reg))

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>hi</h1>"), 0644))
	files, err := static.New(root, "index.html", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = files.Close() })

	d, err := dispatch.New(dispatch.Options{Service: reg, Static: files, KeepAlive: true, Logger: quiet()})
	require.NoError(t, err)
	srv, err := server.New(server.Options{Address: "127.0.0.1", PoolSize: 2, Factory: d.Factory(), Logger: quiet()})
	require.NoError(t, err)
	l, err := srv.AddListener(server.ConnectionType{Name: "http"}, 0, 2)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	conn, err := net.DialTimeout("tcp", l.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	r := bufio.NewReader(conn)
	for _, target := range []string{"/rpc/echo?x=1", "/"} {
		_, err := fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: example.com\r\n\r\n", target)
		require.NoError(t, err)
		resp, err := http.ReadResponse(r, &http.Request{Method: http.MethodGet})
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	snap := Collector(srv, d, files)()
	assert.Equal(t, uint64(2), snap.Requests)
	assert.Zero(t, snap.Sessions)
	assert.Equal(t, 2, snap.Pool.Workers)
	require.Len(t, snap.Listeners, 1)
	assert.Equal(t, l.Port(), snap.Listeners[0].Port)
	assert.Equal(t, "http", snap.Listeners[0].Type)
	assert.Equal(t, 2, snap.Listeners[0].Threads)
	assert.Equal(t, uint64(1), snap.Listeners[0].Accepted)
	require.NotNil(t, snap.Static)
	assert.Equal(t, uint64(1), snap.Static.Misses)
	// entries depend on the platform file watcher
	assert.LessOrEqual(t, snap.Static.Entries, 1)
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	heap := filepath.Join(dir, "profiles", "heap.pprof")
	h := NewHandler(Config{Addr: "127.0.0.1:0", HeapProfile: heap}, nil, quiet())
	assert.True(t, h.config.Enabled())
	assert.Nil(t, h.Addr())

	require.NoError(t, h.Start())
	addr := h.Addr()
	require.NotNil(t, addr)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "ok\n", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))
	require.NoError(t, h.Stop(ctx))

	info, err := os.Stat(heap)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	h := NewHandler(Config{Addr: ln.Addr().String()}, nil, quiet())
	assert.Error(t, h.Start())
}
