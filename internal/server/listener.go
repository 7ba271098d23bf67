package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/netcore/internal/consts"
	"github.com/codefionn/netcore/internal/socket"
)

// ConnectionType names the protocol served on a listener
type ConnectionType struct {
	Name   string
	Secure bool
}

func (ct ConnectionType) String() string {
	if ct.Secure {
		return ct.Name + "+tls"
	}
	return ct.Name
}

// Listener owns one bound socket and the accept loops running on it
type Listener struct {
	server  *Server
	ct      ConnectionType
	port    int
	threads int
	addr    net.Addr
	sock    *socket.TCPSocket

	wg       sync.WaitGroup
	done     chan struct{}
	once     sync.Once
	started  atomic.Bool
	accepted atomic.Uint64
}

func newListener(s *Server, ct ConnectionType, sock *socket.TCPSocket, threads int) *Listener {
	return &Listener{
		server:  s,
		ct:      ct,
		port:    sock.Host().Port,
		threads: threads,
		addr:    sock.LocalAddr(),
		sock:    sock,
		done:    make(chan struct{}),
	}
}

// Type returns the connection type served
func (l *Listener) Type() ConnectionType { return l.ct }

// Port returns the bound port
func (l *Listener) Port() int { return l.port }

// Threads returns the number of accept loops
func (l *Listener) Threads() int { return l.threads }

// Accepted returns how many connections were accepted so far
func (l *Listener) Accepted() uint64 { return l.accepted.Load() }

// Addr returns the bound address
func (l *Listener) Addr() net.Addr { return l.addr }

func (l *Listener) start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(l.threads)
	for i := 0; i < l.threads; i++ {
		go l.acceptLoop(i)
	}
}

// close closes the socket, which unblocks Accept, and joins the loops
func (l *Listener) close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.sock.Close()
	})
	l.wg.Wait()
	return err
}

func (l *Listener) closing() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Listener) acceptLoop(n int) {
	defer l.wg.Done()
	log := l.server.log

	log.Debug("Accept loop %d on port %d (%s) started", n, l.port, l.ct)
	var backoff time.Duration
	for {
		h, err := l.sock.Accept()
		if err != nil {
			if l.closing() || socket.IsClosed(err) {
				log.Debug("Accept loop %d on port %d exiting", n, l.port)
				return
			}

			if backoff == 0 {
				backoff = consts.AcceptBackoffMin
			} else {
				backoff *= 2
			}
			if backoff > consts.AcceptBackoffMax {
				backoff = consts.AcceptBackoffMax
			}
			log.Warn("Error accepting connection on port %d: %v; retrying in %v", l.port, err, backoff)

			select {
			case <-time.After(backoff):
			case <-l.done:
				return
			}
			continue
		}

		backoff = 0
		l.accepted.Add(1)
		l.server.serve(l, h)
	}
}
