package notify

import (
	"context"
	"sync"
	"time"
)

// Event describes one committed change inside an organization. Events are
// advisory: a dropped event never affects the underlying transaction.
type Event struct {
	OrganizationID string         `json:"organization_id"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload,omitempty"`
	At             time.Time      `json:"at"`
}

type subscriber struct {
	orgID string
	ch    chan Event
}

// Broker fan-outs post-commit change events to subscribers (SSE clients).
// Publish never blocks: slow subscribers lose events instead of stalling
// mutators.
type Broker struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// NewBroker initialises an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for one organization's events and returns
// the channel events arrive on. The channel is closed when the context ends.
func (b *Broker) Subscribe(ctx context.Context, orgID string) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = subscriber{orgID: orgID, ch: ch}
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

// Publish fan-outs the event to every subscriber of its organization.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.orgID != evt.OrganizationID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
