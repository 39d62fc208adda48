package bus

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisBus implements Bus on Redis pub/sub, the production fabric connecting
// worker processes. Redis pub/sub is inherently at-most-once with no backlog,
// which matches the Bus contract exactly.
type RedisBus struct {
	client *redis.Client

	mtx    sync.Mutex
	closed bool
	subs   map[*Subscription]*redis.PubSub
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, addr string, db int) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisBus{
		client: client,
		subs:   make(map[*Subscription]*redis.PubSub),
	}, nil
}

// Client exposes the underlying connection so the shared kv store can reuse
// its pool.
func (b *RedisBus) Client() *redis.Client { return b.client }

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mtx.Lock()
	closed := b.closed
	b.mtx.Unlock()
	if closed {
		return ErrClosed
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	b.mtx.Lock()
	if b.closed {
		b.mtx.Unlock()
		return nil, ErrClosed
	}
	ps := b.client.Subscribe(ctx, channels...)
	b.mtx.Unlock()

	// confirm the subscription before returning so no caller races its own
	// publishes
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	var sub *Subscription
	sub = newSubscription(func() {
		_ = ps.Close()
	})

	b.mtx.Lock()
	b.subs[sub] = ps
	b.mtx.Unlock()

	go func() {
		defer func() {
			b.mtx.Lock()
			delete(b.subs, sub)
			b.mtx.Unlock()
			sub.markDone()
		}()
		for msg := range ps.Channel() {
			sub.deliver(Event{Channel: msg.Channel, Payload: []byte(msg.Payload)})
		}
	}()

	return sub, nil
}

func (b *RedisBus) Close() error {
	b.mtx.Lock()
	if b.closed {
		b.mtx.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redis.PubSub, 0, len(b.subs))
	for _, ps := range b.subs {
		subs = append(subs, ps)
	}
	b.mtx.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	return b.client.Close()
}
