package notify

import (
	"context"
	"sync"
	"time"
)

// Event is published when a job reaches a terminal state.
type Event struct {
	JobID         string    `json:"job_id"`
	Queue         string    `json:"queue"`
	JobType       string    `json:"job_type"`
	Status        string    `json:"status"`
	ResultSummary string    `json:"result_summary,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier fans completion events out to subscribers. Delivery is
// best-effort: a slow subscriber drops events, it never blocks the publisher.
// There is no replay of events missed while unsubscribed.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a receive channel and an unsubscribe function. The
	// channel is closed on unsubscribe or Close.
	Subscribe() (<-chan Event, func())
	Close() error
}

const subscriberBuffer = 16

// InMemory is the single-process Notifier used by the engine and its SSE
// endpoint.
type InMemory struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewInMemory creates an in-process notifier.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[uint64]chan Event)}
}

func (n *InMemory) Publish(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- event:
		default: // subscriber is behind, drop
		}
	}
	return nil
}

func (n *InMemory) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if n.closed {
		close(ch)
		return ch, func() {}
	}

	n.nextID++
	id := n.nextID
	n.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (n *InMemory) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
	return nil
}
