// Package bus is the cross-process event fabric. Every worker process
// publishes accepted state changes here and subscribes to the channels of the
// chains it serves; the subscriber side re-derives local recipients from its
// own connection registry, so no process ever needs global socket visibility.
//
// Delivery is best-effort: at-most-once, unordered across channels, no replay
// or backlog. A process that restarts misses events published during the
// outage; anything needing durability must re-read the authoritative order
// and fill store instead.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("bus: closed")

// Event is one published message.
type Event struct {
	Channel string
	Payload []byte
}

// Bus is the publish/subscribe surface shared by all worker processes.
type Bus interface {
	// Publish broadcasts a payload on a channel. Fire-and-forget: an error
	// means the bus itself was unreachable, not that nobody received it.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a subscription delivering events published on any
	// of the given channels from the moment of the call.
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)

	// Close tears the bus down and cancels every subscription.
	Close() error
}

// subscriptionBuffer bounds each subscriber's queue. A full queue drops the
// event, keeping the at-most-once contract instead of stalling publishers.
const subscriptionBuffer = 256

// Subscription is a live claim on one or more channels.
type Subscription struct {
	out    chan Event
	cancel func()
	done   chan struct{}
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{
		out:    make(chan Event, subscriptionBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Out returns the channel events arrive on. It is never closed while the
// subscription is live; select against Canceled.
func (s *Subscription) Out() <-chan Event { return s.out }

// Canceled is closed once the subscription is dead.
func (s *Subscription) Canceled() <-chan struct{} { return s.done }

// Cancel tears the subscription down. Idempotent.
func (s *Subscription) Cancel() {
	select {
	case <-s.done:
		return
	default:
	}
	s.cancel()
}

// deliver enqueues without blocking, dropping on overflow.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.out <- ev:
	default:
	}
}

func (s *Subscription) markDone() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
