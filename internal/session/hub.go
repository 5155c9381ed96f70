package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/platformd/internal/seal"
)

// Session is one client connected to this process.
type Session struct {
	ID     string
	Secret string

	outbox    chan json.RawMessage
	done      chan struct{}
	closeOnce sync.Once
}

// Messages delivers outbound messages in order.
func (s *Session) Messages() <-chan json.RawMessage { return s.outbox }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Hub is the in-process session table.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	buffer   int
}

// NewHub creates a hub whose sessions buffer up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{sessions: make(map[string]*Session), buffer: buffer}
}

// Open registers a new session with a fresh id and secret.
func (h *Hub) Open() (*Session, error) {
	secret, err := seal.NewSecret()
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:     uuid.NewString(),
		Secret: hex.EncodeToString(secret),
		outbox: make(chan json.RawMessage, h.buffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	return s, nil
}

// Close disconnects a session. It reports whether the session existed.
func (h *Hub) Close(id string) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

// Lookup returns a connected session.
func (h *Hub) Lookup(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Send queues msg on the session's outbox, waiting for room until ctx is
// done.
func (h *Hub) Send(ctx context.Context, id string, msg json.RawMessage) error {
	s, ok := h.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	select {
	case s.outbox <- msg:
		return nil
	case <-s.done:
		return ErrSessionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) LiveSessions(context.Context) ([]string, error) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
