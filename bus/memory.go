package bus

import (
	"context"
	"sync"
)

// MemBus is an in-process Bus with identical at-most-once semantics, used by
// tests and single-process deployments. Two MemBus instances are two disjoint
// fabrics, just like two disconnected Redis servers.
type MemBus struct {
	mtx    sync.RWMutex
	closed bool
	subs   map[string]map[*Subscription]struct{} // channel -> subscriptions
}

// NewMemBus creates an empty in-memory bus.
func NewMemBus() *MemBus {
	return &MemBus{
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

func (b *MemBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[channel] {
		sub.deliver(Event{Channel: channel, Payload: payload})
	}
	return nil
}

func (b *MemBus) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	var sub *Subscription
	sub = newSubscription(func() {
		b.remove(sub, channels)
		sub.markDone()
	})

	for _, ch := range channels {
		if b.subs[ch] == nil {
			b.subs[ch] = make(map[*Subscription]struct{})
		}
		b.subs[ch][sub] = struct{}{}
	}
	return sub, nil
}

func (b *MemBus) remove(sub *Subscription, channels []string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, ch := range channels {
		delete(b.subs[ch], sub)
		if len(b.subs[ch]) == 0 {
			delete(b.subs, ch)
		}
	}
}

func (b *MemBus) Close() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.markDone()
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	return nil
}
