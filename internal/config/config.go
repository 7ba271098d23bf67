package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codefionn/netcore/internal/consts"
)

// ListenerConfig describes the accept loops bound to one port
type ListenerConfig struct {
	Port    int    `json:"port" yaml:"port"`
	Type    string `json:"type" yaml:"type"`                           // connection type name, e.g. "http"
	Secure  bool   `json:"secure,omitempty" yaml:"secure,omitempty"`   // wrap accepted sockets with TLS
	Threads int    `json:"threads,omitempty" yaml:"threads,omitempty"` // accept loops on this port (default 1)
}

// TLSConfig names the key bundle shared by secure listeners
type TLSConfig struct {
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
}

// AuthConfig configures the Authorization header check
type AuthConfig struct {
	Required bool              `json:"required" yaml:"required"`
	Tokens   []string          `json:"tokens,omitempty" yaml:"tokens,omitempty"` // accepted bearer tokens
	Users    map[string]string `json:"users,omitempty" yaml:"users,omitempty"`   // user -> bcrypt hash
}

// AdminConfig configures the stats and profiling endpoint
type AdminConfig struct {
	Addr        string `json:"addr,omitempty" yaml:"addr,omitempty"` // e.g. "127.0.0.1:6060"; empty disables it
	CPUProfile  string `json:"cpu_profile,omitempty" yaml:"cpu_profile,omitempty"`
	HeapProfile string `json:"heap_profile,omitempty" yaml:"heap_profile,omitempty"`
}

// Config represents the server configuration
type Config struct {
	ServiceName        string           `json:"service_name" yaml:"service_name"`
	Listeners          []ListenerConfig `json:"listeners" yaml:"listeners"`
	WorkerPoolSize     int              `json:"worker_pool_size" yaml:"worker_pool_size"`
	QueueSize          int              `json:"queue_size" yaml:"queue_size"` // 0 = unbounded
	RequestTimeout     int              `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	AllowCORS          bool             `json:"allow_cors" yaml:"allow_cors"`
	KeepAlive          bool             `json:"keep_alive" yaml:"keep_alive"`
	SuppressHTTPStatus bool             `json:"suppress_http_status" yaml:"suppress_http_status"`
	StaticRoot         string           `json:"static_root" yaml:"static_root"`
	RPCPath            string           `json:"rpc_path" yaml:"rpc_path"`
	IndexPage          string           `json:"index_page" yaml:"index_page"`
	LogDetails         []string         `json:"log_details" yaml:"log_details"`
	Compression        []string         `json:"compression" yaml:"compression"` // server-supported encodings in preference order
	LogLevel           string           `json:"log_level" yaml:"log_level"`     // debug, info, warn, error, none
	LogPath            string           `json:"log_path" yaml:"log_path"`       // file path, "stderr" or "stdout"
	TLS                TLSConfig        `json:"tls" yaml:"tls"`
	Auth               AuthConfig       `json:"auth" yaml:"auth"`
	Admin              AdminConfig      `json:"admin" yaml:"admin"`
	Pidfile            string           `json:"pidfile,omitempty" yaml:"pidfile,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "netcore")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "netcore")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "netcore")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "netcore")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "netcore",
		Listeners:      []ListenerConfig{{Port: 8080, Type: "http", Threads: consts.DefaultListenerThreads}},
		WorkerPoolSize: consts.DefaultPoolSize,
		RequestTimeout: int(consts.Timeout30Seconds / time.Second),
		AllowCORS:      true,
		KeepAlive:      true,
		StaticRoot:     "public",
		RPCPath:        "/rpc",
		IndexPage:      "index.html",
		LogDetails:     []string{"serial", "ip", "name", "duration"},
		Compression:    []string{"br", "gzip", "deflate"},
		LogLevel:       "info",
		LogPath:        "stderr",
	}
}

// Load loads configuration from file. A missing file yields the defaults;
// .yaml and .yml files are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyDefaults back-fills fields a file left empty
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.ServiceName == "" {
		c.ServiceName = defaults.ServiceName
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.RPCPath == "" {
		c.RPCPath = defaults.RPCPath
	}
	if !strings.HasPrefix(c.RPCPath, "/") {
		c.RPCPath = "/" + c.RPCPath
	}
	if c.IndexPage == "" {
		c.IndexPage = defaults.IndexPage
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.LogPath == "" {
		c.LogPath = defaults.LogPath
	}
	for i := range c.Listeners {
		if c.Listeners[i].Threads <= 0 {
			c.Listeners[i].Threads = consts.DefaultListenerThreads
		}
		if c.Listeners[i].Type == "" {
			c.Listeners[i].Type = "http"
		}
	}
}

// Validate ensures the configuration is coherent
func (c *Config) Validate() error {
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative")
	}
	secure := false
	ports := make(map[int]bool, len(c.Listeners))
	for _, l := range c.Listeners {
		if l.Port < 0 || l.Port > 65535 {
			return fmt.Errorf("listener port %d out of range", l.Port)
		}
		// port 0 binds a fresh ephemeral port each time
		if l.Port != 0 && ports[l.Port] {
			return fmt.Errorf("listener port %d configured twice", l.Port)
		}
		ports[l.Port] = true
		secure = secure || l.Secure
	}
	if secure && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set for secure listeners")
	}
	return nil
}

// RequestTimeoutDuration returns the request timeout as a duration
func (c *Config) RequestTimeoutDuration() time.Duration {
	if c.RequestTimeout <= 0 {
		return consts.Timeout30Seconds
	}
	return time.Duration(c.RequestTimeout) * time.Second
}

// Save saves configuration to file, as YAML for .yaml/.yml paths and JSON otherwise
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
