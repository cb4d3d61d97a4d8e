package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "jobs:completed"

// Redis publishes completion events over Redis pub/sub so an out-of-process
// dashboard can observe them. Local subscribers are served by an embedded
// in-memory notifier fed from the same channel, which keeps the SSE endpoint
// working regardless of which process it runs in.
type Redis struct {
	client  *redis.Client
	channel string
	local   *InMemory
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRedis connects to Redis and starts consuming the completion channel.
func NewRedis(addr, password string, db int, channel string) (*Redis, error) {
	if channel == "" {
		channel = defaultChannel
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	n := &Redis{
		client:  client,
		channel: channel,
		local:   NewInMemory(),
		cancel:  cancel,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				_ = n.local.Publish(ctx, evt)
			}
		}
	}()

	return n, nil
}

func (n *Redis) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (n *Redis) Subscribe() (<-chan Event, func()) {
	return n.local.Subscribe()
}

func (n *Redis) Close() error {
	n.cancel()
	n.wg.Wait()
	_ = n.local.Close()
	return n.client.Close()
}
