// Package admin serves runtime statistics and pprof profiles on a separate
// local address, and writes CPU and heap profiles to files.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/netcore/internal/consts"
	"github.com/codefionn/netcore/internal/logger"
)

// Config holds the admin endpoint configuration
type Config struct {
	Addr        string // HTTP address, e.g. "127.0.0.1:6060"; empty disables the endpoint
	CPUProfile  string // Path to write a CPU profile covering the server's lifetime
	HeapProfile string // Path to write a heap profile on Stop
}

// Enabled reports whether anything is configured
func (c Config) Enabled() bool {
	return c.Addr != "" || c.CPUProfile != "" || c.HeapProfile != ""
}

// SnapshotFunc collects the statistics served at /stats
type SnapshotFunc func() Snapshot

// Handler runs the admin endpoint
type Handler struct {
	config   Config
	snapshot SnapshotFunc
	log      *logger.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cpuFile  *os.File
	stopping bool
}

// NewHandler creates a handler; snapshot may be nil
func NewHandler(config Config, snapshot SnapshotFunc, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Global()
	}
	return &Handler{
		config:   config,
		snapshot: snapshot,
		log:      log.WithPrefix("admin"),
	}
}

// Router returns the routes served by the endpoint
func (h *Handler) Router() http.Handler {
	router := httprouter.New()
	router.GET("/stats", h.serveStats)
	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	router.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodPost, "/debug/pprof/symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		router.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
	return router
}

func (h *Handler) serveStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snap := Snapshot{}
	if h.snapshot != nil {
		snap = h.snapshot()
	}
	snap.Timestamp = time.Now().UTC()

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		h.log.Warn("Failed to write stats: %v", err)
	}
}

// Start begins CPU profiling and serving, as configured
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.config.CPUProfile != "" {
		if err := os.MkdirAll(filepath.Dir(h.config.CPUProfile), 0755); err != nil {
			return fmt.Errorf("failed to create directory for CPU profile: %w", err)
		}
		f, err := os.Create(h.config.CPUProfile)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		h.cpuFile = f
	}

	if h.config.Addr != "" {
		ln, err := net.Listen("tcp", h.config.Addr)
		if err != nil {
			h.stopCPUProfile()
			return fmt.Errorf("failed to bind admin endpoint: %w", err)
		}
		h.listener = ln
		h.server = &http.Server{
			Handler:           h.Router(),
			ReadHeaderTimeout: consts.Timeout5Seconds,
		}

		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.log.Error("Admin endpoint failed: %v", err)
			}
		}(h.server, ln)
		h.log.Info("Admin endpoint listening on %s", ln.Addr())
	}

	return nil
}

// Addr returns the bound address, or nil before Start
func (h *Handler) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop shuts the endpoint down and writes the profile files
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopping {
		return nil
	}
	h.stopping = true

	var errs []error
	if err := h.stopCPUProfile(); err != nil {
		errs = append(errs, err)
	}

	if h.config.HeapProfile != "" {
		if err := writeHeapProfile(h.config.HeapProfile); err != nil {
			errs = append(errs, err)
		}
	}

	if h.server != nil {
		if err := h.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown admin endpoint: %w", err))
		}
		h.server = nil
		h.listener = nil
	}

	return errors.Join(errs...)
}

func (h *Handler) stopCPUProfile() error {
	if h.cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := h.cpuFile.Close()
	h.cpuFile = nil
	if err != nil {
		return fmt.Errorf("failed to close CPU profile: %w", err)
	}
	return nil
}

func writeHeapProfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for heap profile: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile file: %w", err)
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}
