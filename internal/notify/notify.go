package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Cause labels what produced an attendance change.
type Cause string

const (
	CauseCreate Cause = "create"
	CauseScan   Cause = "scan"
	CauseManual Cause = "manual"
	CauseClose  Cause = "close"
	CauseCancel Cause = "cancel"
)

// Event is the single "attendance changed" notification fanned out to
// interested clients. Delivery is fire-and-forget.
type Event struct {
	Course  string `json:"course"`
	Session string `json:"session"`
	Cause   Cause  `json:"cause"`
}

// Notifier is the abstraction over different backends.
type Notifier interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Memory is a channel-backed fan-out for dev/testing. Slow subscribers
// drop events rather than blocking publishers.
type Memory struct {
	mu   sync.Mutex
	subs []chan Event
}

// NewMemory creates an in-memory notifier.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish delivers the event to every live subscriber.
func (m *Memory) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribe registers a listener; the channel closes when ctx ends.
func (m *Memory) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Redis publishes events on a pub/sub channel as JSON.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis builds a notifier on the given channel (default "rollcall:changes").
func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = "rollcall:changes"
	}
	return &Redis{client: client, channel: channel}
}

// Publish sends the event; subscribers that are offline simply miss it.
func (r *Redis) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe streams decoded events until ctx ends.
func (r *Redis) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				out <- evt
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
