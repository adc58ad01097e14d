package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thingenious/eva-backend/internal/platform/logger"
)

// Hub tracks live sessions so shutdown can close them all.
type Hub struct {
	mu       sync.Mutex
	log      *logger.Logger
	sessions map[*Session]struct{}
	closed   bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:      log.With("service", "Hub"),
		sessions: make(map[*Session]struct{}),
	}
}

// add registers a session. During shutdown new sessions are refused
// and closed immediately with a going-away frame.
func (h *Hub) add(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	return true
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// Count reports the number of live sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown stops accepting sessions, gives in-flight turns up to grace
// to finish, then closes every live session with a 1001 going-away
// frame (cancelling turns still running) and waits for them to drain,
// up to grace.
func (h *Hub) Shutdown(grace time.Duration) {
	h.mu.Lock()
	h.closed = true
	open := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	turnDeadline := time.Now().Add(grace)
	for _, s := range open {
		s.mu.Lock()
		done := s.turnDone
		s.mu.Unlock()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-time.After(time.Until(turnDeadline)):
		}
	}

	h.log.Info("closing sessions", "count", len(open))
	for _, s := range open {
		s.teardown(websocket.CloseGoingAway, "server shutting down")
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if h.Count() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
