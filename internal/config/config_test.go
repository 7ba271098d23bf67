package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 16, cfg.WorkerPoolSize)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeoutDuration())
	assert.Equal(t, "/rpc", cfg.RPCPath)
	assert.Equal(t, "index.html", cfg.IndexPage)
	require.Len(t, cfg.Listeners, 1)
	assert.Equal(t, 1, cfg.Listeners[0].Threads)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadJSONOverridesAndBackfills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
  "listeners": [{"port": 9000}, {"port": 9001, "type": "admin", "threads": 3}],
  "worker_pool_size": 0,
  "rpc_path": "api",
  "suppress_http_status": true,
  "log_details": ["serial", "response_bytes"]
}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Listeners, 2)
	assert.Equal(t, ListenerConfig{Port: 9000, Type: "http", Threads: 1}, cfg.Listeners[0])
	assert.Equal(t, ListenerConfig{Port: 9001, Type: "admin", Threads: 3}, cfg.Listeners[1])
	assert.Equal(t, 16, cfg.WorkerPoolSize, "zero pool size falls back to default")
	assert.Equal(t, "/api", cfg.RPCPath)
	assert.True(t, cfg.SuppressHTTPStatus)
	assert.Equal(t, []string{"serial", "response_bytes"}, cfg.LogDetails)
	assert.True(t, cfg.AllowCORS, "untouched fields keep their defaults")
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
service_name: calc
queue_size: 64
request_timeout_seconds: 5
compression: [gzip]
auth:
  required: true
  tokens: [secret]
admin:
  addr: 127.0.0.1:6060
  heap_profile: /tmp/heap.pprof
pidfile: /run/netcore.pid
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "calc", cfg.ServiceName)
	assert.Equal(t, 64, cfg.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeoutDuration())
	assert.Equal(t, []string{"gzip"}, cfg.Compression)
	assert.True(t, cfg.Auth.Required)
	assert.Equal(t, []string{"secret"}, cfg.Auth.Tokens)
	assert.Equal(t, AdminConfig{Addr: "127.0.0.1:6060", HeapProfile: "/tmp/heap.pprof"}, cfg.Admin)
	assert.Equal(t, "/run/netcore.pid", cfg.Pidfile)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad json", `{"listeners": [}`},
		{"port out of range", `{"listeners": [{"port": 70000}]}`},
		{"secure without key bundle", `{"listeners": [{"port": 8443, "secure": true}]}`},
		{"port configured twice", `{"listeners": [{"port": 8080}, {"port": 8080, "type": "soap"}]}`},
		{"negative queue", `{"queue_size": -1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := DefaultConfig()
			cfg.KeepAlive = false
			cfg.StaticRoot = "/srv/www"

			require.NoError(t, cfg.Save(path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.False(t, loaded.KeepAlive)
			assert.Equal(t, "/srv/www", loaded.StaticRoot)
		})
	}
}
