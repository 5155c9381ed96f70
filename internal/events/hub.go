package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Diagnostic event types. Payloads never carry message contents or secrets.
const (
	InstanceCreated   = "instance.created"
	InstanceReady     = "instance.ready"
	InstanceRekeyed   = "instance.rekeyed"
	InstanceFlagged   = "instance.flagged"
	InstanceUnflagged = "instance.unflagged"
	InstanceFatal     = "instance.fatal"
	InstanceDestroyed = "instance.destroyed"
	JobCompleted      = "job.completed"
	JobFailed         = "job.failed"
	SessionOpened     = "session.opened"
	SessionClosed     = "session.closed"
	JanitorSweep      = "janitor.sweep"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is what supervised components need from the hub.
type Publisher interface {
	Publish(eventType string, data any)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, any) {}

// Hub is an in-memory pub/sub that keeps the last few events for late
// subscribers.
type Hub struct {
	nextID atomic.Int64

	mu     sync.Mutex
	recent []Event
	limit  int
	subs   map[chan Event]struct{}
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		recent: make([]Event, 0, capacity),
		limit:  capacity,
		subs:   make(map[chan Event]struct{}),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ev := Event{ID: h.nextID.Add(1), Type: eventType, At: time.Now().UTC(), Data: payload}
	if len(h.recent) == h.limit {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:h.limit-1]
	}
	h.recent = append(h.recent, ev)
	for ch := range h.subs {
		// Slow subscribers miss events rather than stall supervisors.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a live feed and the func that ends it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 128)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// SnapshotSince returns buffered events newer than lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, 0, len(h.recent))
	for _, ev := range h.recent {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
