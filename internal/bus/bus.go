// Package bus provides a process-local publish-subscribe fan-out for
// pipeline stage events. Delivery is best-effort: a slow subscriber is
// dropped rather than backpressured onto the orchestrator, because the
// durable record lives on-ledger and freshness beats completeness for
// progress events.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventStatus describes how far a stage has progressed.
type EventStatus string

const (
	StatusStarted   EventStatus = "started"
	StatusCompleted EventStatus = "completed"
	StatusFailed    EventStatus = "failed"
	StatusPending   EventStatus = "pending"
)

// Event is one pipeline progress notification.
type Event struct {
	RequestID uint64      `json:"request_id"`
	Stage     string      `json:"stage"`
	Status    EventStatus `json:"status"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"data,omitempty"`
}

// Subscriber receives events on a bounded channel. When the channel
// overflows the subscriber is removed and its channel closed.
type Subscriber struct {
	ID uuid.UUID
	C  <-chan Event

	ch chan Event
	// filter restricts delivery to one request; nil receives everything.
	filter *uint64
}

// Bus fans pipeline events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*Subscriber
	bufferSize  int
	closed      bool
}

// DefaultBufferSize is the per-subscriber queue depth.
const DefaultBufferSize = 64

// New creates a bus with the given per-subscriber buffer size.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subscribers: make(map[uuid.UUID]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber. A nil filter receives all events;
// otherwise only events for the given request id are delivered.
func (b *Bus) Subscribe(filter *uint64) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.New(),
		ch:     make(chan Event, b.bufferSize),
		filter: filter,
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// SetFilter narrows an existing subscription to one request id.
func (b *Bus) SetFilter(id uuid.UUID, requestID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		sub.filter = &requestID
	}
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber. Publication takes
// the read side of the lock, so concurrent publishers never block each
// other; per-request ordering is preserved because the orchestrator emits
// events for one request from a single goroutine.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	var overflowed []uuid.UUID
	for id, sub := range b.subscribers {
		if sub.filter != nil && *sub.filter != ev.RequestID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			overflowed = append(overflowed, id)
		}
	}
	b.mu.RUnlock()

	// Slow subscribers are dropped, not waited on.
	for _, id := range overflowed {
		b.Unsubscribe(id)
	}
}

// Close drops all subscribers and rejects further subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
