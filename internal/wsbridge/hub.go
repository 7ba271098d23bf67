package wsbridge

import (
	"sync"

	"github.com/codefionn/netcore/internal/logger"
)

// Hub tracks the live sessions of a bridge
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *logger.Logger
}

// NewHub creates an empty hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{sessions: make(map[string]*Session), log: log}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	h.log.Debug("WebSocket session registered: %s", s.ID)
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	h.log.Debug("WebSocket session unregistered: %s", s.ID)
}

// Broadcast queues msg on every session. Sessions with a full queue miss it.
func (h *Hub) Broadcast(msg *Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, s := range h.sessions {
		if s.enqueue(msg) {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of live sessions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// IDs returns the ids of the live sessions
func (h *Hub) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}
