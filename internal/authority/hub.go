package authority

import (
	"sync"

	"github.com/gorilla/websocket"
)

// session wraps one client connection. Outbound delivery goes through the
// buffered send channel so a slow consumer never blocks the authority; a
// full buffer drops the connection instead.
type session struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (s *session) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *session) closeSend() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// Hub is the registry of connected sessions keyed by transport-session id.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*session),
	}
}

func (h *Hub) add(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old := h.sessions[sess.id]; old != nil {
		_ = old.conn.Close()
		old.closeSend()
	}
	h.sessions[sess.id] = sess
}

func (h *Hub) remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sess, ok := h.sessions[sessionID]; ok {
		sess.closeSend()
		delete(h.sessions, sessionID)
	}
}

// SendTo delivers a payload to one session. Unknown targets are dropped.
func (h *Hub) SendTo(sessionID string, payload []byte) bool {
	h.mu.Lock()
	sess := h.sessions[sessionID]
	h.mu.Unlock()

	if sess == nil {
		return false
	}

	if !sess.trySend(payload) {
		_ = sess.conn.Close()
		return false
	}
	return true
}

// Broadcast is fire-and-forget delivery to every connected session.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()

	for _, sess := range sessions {
		if !sess.trySend(payload) {
			_ = sess.conn.Close()
		}
	}
}

func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
