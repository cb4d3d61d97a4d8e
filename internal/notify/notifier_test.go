package notify

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	n := NewInMemory()
	defer func() { _ = n.Close() }()

	a, cancelA := n.Subscribe()
	defer cancelA()
	b, cancelB := n.Subscribe()
	defer cancelB()

	evt := Event{JobID: "j1", Queue: "chat", JobType: "summarize", Status: "completed"}
	if err := n.Publish(ctx, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, ch := range []<-chan Event{a, b} {
		select {
		case got := <-ch:
			if got.JobID != "j1" || got.Queue != "chat" {
				t.Fatalf("unexpected event: %+v", got)
			}
			if got.Timestamp.IsZero() {
				t.Fatalf("timestamp should be stamped on publish")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive the event")
		}
	}
}

func TestInMemoryDropsWhenSubscriberIsBehind(t *testing.T) {
	ctx := context.Background()
	n := NewInMemory()
	defer func() { _ = n.Close() }()

	ch, cancel := n.Subscribe()
	defer cancel()

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			_ = n.Publish(ctx, Event{JobID: "j"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received != subscriberBuffer {
		t.Fatalf("expected exactly the buffered %d events, got %d", subscriberBuffer, received)
	}
}

func TestInMemoryUnsubscribe(t *testing.T) {
	ctx := context.Background()
	n := NewInMemory()
	defer func() { _ = n.Close() }()

	ch, cancel := n.Subscribe()
	cancel()
	cancel() // safe to call twice

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
	if err := n.Publish(ctx, Event{JobID: "j"}); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestInMemoryClose(t *testing.T) {
	n := NewInMemory()
	ch, _ := n.Subscribe()

	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("subscriber channel should be closed")
	}

	// Subscribing after close yields a closed channel, not a hang.
	late, cancel := n.Subscribe()
	defer cancel()
	if _, ok := <-late; ok {
		t.Fatalf("late subscription should be closed immediately")
	}
}
