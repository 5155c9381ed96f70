package instance

import (
	"sync"

	"github.com/mattjoyce/platformd/internal/protocol"
)

// outbox holds worker messages waiting for client delivery. The event
// reader only appends, so a session that stops reading can never hold up
// pongs, acks or fatals.
type outbox struct {
	mu     sync.Mutex
	items  []protocol.ClientMessage
	notify chan struct{}

	// sending serializes batches so messages reach sessions in the order
	// the worker emitted them.
	sending sync.Mutex
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1)}
}

func (o *outbox) push(m protocol.ClientMessage) {
	o.mu.Lock()
	o.items = append(o.items, m)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) take() []protocol.ClientMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}

// deliver forwards queued messages to the registered sessions until the
// instance stops.
func (i *Instance) deliver() {
	defer i.wg.Done()
	for {
		select {
		case <-i.stop:
			return
		case <-i.out.notify:
			i.flushOutbox()
		}
	}
}

func (i *Instance) flushOutbox() {
	i.out.sending.Lock()
	defer i.out.sending.Unlock()
	for _, msg := range i.out.take() {
		for _, sub := range i.subscriptions(EventMessage) {
			sub.fn(msg)
		}
	}
}
