// Package server accepts connections on any number of ports and hands each
// one to a worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/codefionn/netcore/internal/consts"
	"github.com/codefionn/netcore/internal/logger"
	"github.com/codefionn/netcore/internal/socket"
	"github.com/codefionn/netcore/internal/workerpool"
)

var (
	// ErrDuplicateListener is returned when a port already serves the connection type
	ErrDuplicateListener = errors.New("server: connection type already listening on port")
	// ErrPortInUse is returned when a port already serves another connection type
	ErrPortInUse = errors.New("server: port serves another connection type")
	// ErrNoListener is returned when removing a port without listeners
	ErrNoListener = errors.New("server: no listener on port")
	// ErrNoKeyBundle is returned for secure listeners without TLS material
	ErrNoKeyBundle = errors.New("server: secure listener needs a key bundle")
	// ErrStopped is returned once the server was stopped
	ErrStopped = errors.New("server: stopped")
)

// Connection serves one accepted socket until it is done
type Connection interface {
	Run(ctx context.Context) error
}

type drainingKey struct{}

// Draining returns a channel that is closed once the server serving the
// connection began to stop. Connections should finish the request at hand
// and return instead of waiting for another one. Outside a server it returns
// nil, which never fires.
func Draining(ctx context.Context) <-chan struct{} {
	ch, _ := ctx.Value(drainingKey{}).(<-chan struct{})
	return ch
}

// Factory builds the connection serving an accepted socket
type Factory func(ct ConnectionType, sock socket.Socket) (Connection, error)

// Options configures a Server
type Options struct {
	// Address restricts listeners to one local address; empty binds all
	Address   string
	PoolSize  int
	QueueSize int
	Factory   Factory
	// Allow screens peers before a connection is built; nil allows everyone
	Allow    func(remote net.Addr) bool
	TLS      *KeyBundle
	Logger   *logger.Logger
	Observer workerpool.Observer
}

// Server owns the listeners and the worker pool
type Server struct {
	opts Options
	log  *logger.Logger
	pool *workerpool.Pool

	mu        sync.Mutex
	listeners map[int][]*Listener
	keys      *KeyBundle
	running   bool
	stopped   bool

	// submitCtx ends when Stop begins, releasing accept loops blocked on a full queue
	submitCtx    context.Context
	submitCancel context.CancelFunc

	connIDCounter atomic.Uint64
	stopOnce      sync.Once
	done          chan struct{}
}

// New creates a server. Listeners start accepting once Start is called.
func New(opts Options) (*Server, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("server: connection factory is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	observer := opts.Observer
	if observer == nil {
		observer = workerpool.LogObserver{Log: log}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:         opts,
		log:          log,
		pool:         workerpool.New(opts.PoolSize, opts.QueueSize, observer),
		listeners:    make(map[int][]*Listener),
		keys:         opts.TLS,
		submitCtx:    ctx,
		submitCancel: cancel,
		done:         make(chan struct{}),
	}, nil
}

// AddListener binds port and runs threads accept loops on it. A port serves
// one connection type: the same type again fails with ErrDuplicateListener
// and any other type with ErrPortInUse, since the kernel spreads accepts
// across SO_REUSEPORT sockets. Port 0 picks a free port, readable through
// Ports.
func (s *Server) AddListener(ct ConnectionType, port, threads int) (*Listener, error) {
	if threads <= 0 {
		threads = consts.DefaultListenerThreads
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}
	if ct.Secure && s.keys == nil {
		return nil, ErrNoKeyBundle
	}
	for _, l := range s.listeners[port] {
		if l.ct == ct {
			return nil, fmt.Errorf("%w: %s on %d", ErrDuplicateListener, ct, port)
		}
		return nil, fmt.Errorf("%w: %d serves %s, not %s", ErrPortInUse, port, l.ct, ct)
	}

	sock := socket.NewTCPSocket()
	if err := sock.Bind(s.opts.Address, port, true); err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	l := newListener(s, ct, sock, threads)
	s.listeners[l.port] = append(s.listeners[l.port], l)
	if s.running {
		l.start()
	}
	s.log.Info("Listening on %s for %s (%d accept loops)", l.Addr(), ct, threads)
	return l, nil
}

// RemoveListener closes every listener on port and waits for their loops
func (s *Server) RemoveListener(port int) error {
	s.mu.Lock()
	ls, ok := s.listeners[port]
	delete(s.listeners, port)
	s.mu.Unlock()
	if !ok {
		return ErrNoListener
	}

	var errs []error
	for _, l := range ls {
		if err := l.close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Info("Stopped listening on port %d", port)
	return errors.Join(errs...)
}

// Start launches the accept loops. Cancelling ctx stops the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	for _, ls := range s.listeners {
		for _, l := range ls {
			l.start()
		}
	}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), consts.Timeout10Seconds)
			defer cancel()
			if err := s.Stop(stopCtx); err != nil {
				s.log.Warn("Server stop after cancellation: %v", err)
			}
		case <-s.done:
		}
	}()

	s.log.Info("Server started (workers: %d)", s.pool.Size())
	return nil
}

// Stop closes all listeners, joins their accept loops and waits for the
// worker pool to finish running connections. Connections still running when
// ctx ends are cancelled. Only the first call does anything.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info("Stopping server...")
		s.submitCancel()

		s.mu.Lock()
		s.stopped = true
		s.running = false
		var all []*Listener
		for _, ls := range s.listeners {
			all = append(all, ls...)
		}
		s.listeners = make(map[int][]*Listener)
		s.mu.Unlock()

		for _, l := range all {
			if cerr := l.close(); cerr != nil {
				s.log.Debug("Error closing listener on port %d: %v", l.port, cerr)
			}
		}

		err = s.pool.Stop(ctx)
		close(s.done)
		s.log.Info("Server stopped")
	})
	return err
}

// Done is closed once Stop completed
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Ports returns the ports with listeners, ascending
func (s *Server) Ports() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ports := make([]int, 0, len(s.listeners))
	for port := range s.listeners {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// Listeners returns the listeners bound to port
func (s *Server) Listeners(port int) []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Listener(nil), s.listeners[port]...)
}

// SetKeyBundle swaps the TLS material used for new secure connections
func (s *Server) SetKeyBundle(kb *KeyBundle) {
	s.mu.Lock()
	s.keys = kb
	s.mu.Unlock()
}

// KeyBundle returns the current TLS material
func (s *Server) KeyBundle() *KeyBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys
}

// Stats returns the worker pool counters
func (s *Server) Stats() workerpool.Stats {
	return s.pool.Stats()
}

func (s *Server) allow(remote net.Addr) bool {
	if s.opts.Allow == nil {
		return true
	}
	return s.opts.Allow(remote)
}

// generateConnectionID generates a unique connection ID
func (s *Server) generateConnectionID() string {
	return fmt.Sprintf("conn_%d", s.connIDCounter.Add(1))
}

func (s *Server) newSocket(ct ConnectionType, h *socket.Handle) (socket.Socket, error) {
	if ct.Secure {
		kb := s.KeyBundle()
		if kb == nil {
			return nil, ErrNoKeyBundle
		}
		ts := socket.NewTLSSocket(kb.Config())
		if err := ts.Attach(h, true); err != nil {
			return nil, err
		}
		return ts, nil
	}
	ts := socket.NewTCPSocket()
	if err := ts.Attach(h, true); err != nil {
		return nil, err
	}
	return ts, nil
}

// serve turns an accepted handle into a pool task
func (s *Server) serve(l *Listener, h *socket.Handle) {
	remote := h.RemoteAddr()
	if !s.allow(remote) {
		s.log.Debug("Connection from %v rejected on port %d", remote, l.port)
		_ = h.Close()
		return
	}

	sock, err := s.newSocket(l.ct, h)
	if err != nil {
		s.log.Error("Failed to set up connection from %v: %v", remote, err)
		_ = h.Close()
		return
	}

	conn, err := s.opts.Factory(l.ct, sock)
	if err != nil {
		s.log.Error("Failed to create %s connection for %v: %v", l.ct, remote, err)
		_ = sock.Close()
		return
	}

	id := s.generateConnectionID()
	task := workerpool.Func(id, func(ctx context.Context) error {
		defer sock.Close()
		return conn.Run(context.WithValue(ctx, drainingKey{}, s.submitCtx.Done()))
	})
	if err := s.pool.Submit(s.submitCtx, task); err != nil {
		_ = sock.Close()
		if errors.Is(err, workerpool.ErrStopped) || errors.Is(err, context.Canceled) {
			s.log.Debug("Dropped connection %s from %v during shutdown", id, remote)
			return
		}
		s.log.Error("Failed to queue connection %s: %v", id, err)
		return
	}
	s.log.Debug("New connection accepted: %s from %v on port %d", id, remote, l.port)
}
