// Package wsbridge upgrades requests to websocket sessions that execute
// service operations sent as JSON messages.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefionn/netcore/internal/bufreader"
	"github.com/codefionn/netcore/internal/consts"
	"github.com/codefionn/netcore/internal/logger"
	"github.com/codefionn/netcore/internal/server"
	"github.com/codefionn/netcore/internal/service"
	"github.com/codefionn/netcore/internal/socket"
	"github.com/codefionn/netcore/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = consts.BufferSize64KB

	sendQueue = 256
)

// UpgradeError is a handshake the upgrader refused before taking over the
// connection; the caller still owns the socket and answers with Status
type UpgradeError struct {
	Status int
	Err    error
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("websocket upgrade rejected (%d): %v", e.Status, e.Err)
}

func (e *UpgradeError) Unwrap() error {
	return e.Err
}

// Bridge turns upgrade requests into sessions against a service
type Bridge struct {
	svc      service.Service
	log      *logger.Logger
	hub      *Hub
	upgrader websocket.Upgrader
}

// New creates a bridge. A nil logger selects the global logger.
func New(svc service.Service, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Global()
	}
	b := &Bridge{
		svc: svc,
		log: log,
		hub: NewHub(log),
	}
	b.upgrader = websocket.Upgrader{
		HandshakeTimeout: writeWait,
		CheckOrigin: func(r *http.Request) bool {
			return true // CORS policy is enforced by the dispatcher
		},
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			if rw, ok := w.(*responseWriter); ok {
				rw.WriteHeader(status)
				rw.reason = reason
			}
		},
	}
	return b
}

// Hub returns the live session registry
func (b *Bridge) Hub() *Hub {
	return b.hub
}

// Serve upgrades req and runs the session until either side closes it, ctx
// ends or the server starts draining. A refused handshake returns
// *UpgradeError without writing to the socket.
func (b *Bridge) Serve(ctx context.Context, sock socket.Socket, r *bufreader.Reader, req *wire.Request, principal string) error {
	target, err := url.ParseRequestURI(req.Target)
	if err != nil {
		return &UpgradeError{Status: http.StatusBadRequest, Err: err}
	}
	remote := ""
	if addr := sock.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	hr := (&http.Request{
		Method:     req.Method,
		URL:        target,
		Proto:      req.Proto,
		ProtoMajor: req.Major,
		ProtoMinor: req.Minor,
		Header:     req.Headers.HTTPHeader(),
		Host:       req.Host(),
		RemoteAddr: remote,
		RequestURI: req.Target,
	}).WithContext(ctx)

	// Sessions read with deadlines managed by the websocket connection
	sock.SetBlocking(true)
	timeout := r.Timeout()
	r.SetTimeout(0)

	w := &responseWriter{conn: &netConn{sock: sock, r: r}}
	conn, err := b.upgrader.Upgrade(w, hr, nil)
	if err != nil {
		if !w.hijacked {
			sock.SetBlocking(false)
			r.SetTimeout(timeout)
			status := w.status
			if status == 0 {
				status = http.StatusBadRequest
			}
			return &UpgradeError{Status: status, Err: err}
		}
		return fmt.Errorf("websocket handshake failed: %w", err)
	}

	s := &Session{
		ID:        uuid.NewString(),
		bridge:    b,
		conn:      conn,
		principal: principal,
		remote:    remote,
		path:      req.Path,
		send:      make(chan *Message, sendQueue),
		quit:      make(chan struct{}),
	}
	return s.run(ctx)
}

// Session is one upgraded connection
type Session struct {
	ID string

	bridge    *Bridge
	conn      *websocket.Conn
	principal string
	remote    string
	path      string

	send chan *Message
	quit chan struct{}
}

func (s *Session) run(ctx context.Context) error {
	log := s.bridge.log
	s.bridge.hub.register(s)
	defer s.bridge.hub.unregister(s)
	log.Info("WebSocket session %s opened from %s", s.ID, s.remote)

	s.enqueue(&Message{Type: MessageTypeWelcome, Session: s.ID})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx)
	}()

	err := s.readPump(ctx)
	close(s.quit)
	<-writerDone
	log.Info("WebSocket session %s closed", s.ID)
	return err
}

func (s *Session) enqueue(msg *Message) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.bridge.log.Warn("WebSocket session %s send queue full, dropping message", s.ID)
		return false
	}
}

// readPump executes calls in arrival order until the connection fails
func (s *Session) readPump(ctx context.Context) error {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.bridge.log.Warn("WebSocket session %s read error: %v", s.ID, err)
			}
			return nil
		}
		if kind != websocket.TextMessage {
			s.enqueue(faultMessage("", "", service.NewFault(http.StatusUnsupportedMediaType, "only text messages are accepted")))
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.enqueue(faultMessage("", "", service.NewFault(http.StatusBadRequest, "invalid message: %v", err)))
			continue
		}
		if reply := s.handle(ctx, &msg); reply != nil {
			s.enqueue(reply)
		}
	}
}

func (s *Session) handle(ctx context.Context, msg *Message) *Message {
	switch msg.Type {
	case MessageTypeCall, "":
		if msg.Op == "" {
			return faultMessage(msg.ID, "", service.NewFault(http.StatusBadRequest, "message has no op"))
		}
		call := &service.Call{
			Op:         msg.Op,
			Params:     msg.Params,
			Protocol:   service.ProtocolWebsocket,
			Principal:  s.principal,
			RemoteAddr: s.remote,
			Metadata:   map[string]string{"session": s.ID, "path": s.path},
		}
		result, err := s.bridge.svc.Execute(ctx, call)
		if err != nil {
			f := service.AsFault(err)
			s.bridge.log.Debug("WebSocket session %s: %s failed: %v", s.ID, msg.Op, err)
			return faultMessage(msg.ID, msg.Op, f)
		}
		return &Message{Type: MessageTypeResult, ID: msg.ID, Op: msg.Op, Result: result}
	case MessageTypePing:
		return &Message{Type: MessageTypePong, ID: msg.ID}
	default:
		return faultMessage(msg.ID, "", service.NewFault(http.StatusBadRequest, "unknown message type %q", msg.Type))
	}
}

// writePump serializes outgoing messages and pings. It closes the
// connection when the read side ends, ctx ends or the server drains.
func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	goingAway := func(reason string) {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.bridge.log.Debug("WebSocket session %s close frame: %v", s.ID, err)
		}
	}

	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			goingAway("server shutting down")
			return
		case <-server.Draining(ctx):
			goingAway("server shutting down")
			return
		case msg := <-s.send:
			data, err := json.Marshal(msg)
			if err != nil {
				s.bridge.log.Error("Failed to marshal message: %v", err)
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.bridge.log.Debug("WebSocket session %s write failed: %v", s.ID, err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
