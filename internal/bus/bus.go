package bus

import (
	"context"
	"sync"
	"time"

	"triplens.org/internal/obs"
)

// Event types published by the router and the usage accountant.
const (
	TypeAuthStateChanged   = "auth-state-changed"
	TypeUsageUpdated       = "usage-updated"
	TypeSubscriptionStatus = "subscription-status-changed"
	TypeAnalysisCompleted  = "analysis-completed"
)

// Event is a state-change notification delivered to every listening surface.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Bus fan-outs events to all active subscribers (SSE clients, tests).
// Publishing with no subscribers is a normal no-op; a slow subscriber is
// skipped rather than blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Bus) Publish(eventType string, payload any) {
	evt := Event{Type: eventType, Payload: payload, Time: time.Now().UTC()}
	obs.ObserveBusEvent(eventType)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
