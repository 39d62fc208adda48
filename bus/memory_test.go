package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Out():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemBusPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemBus()
	defer b.Close()

	sub, err := b.Subscribe(ctx, "relay.orders.1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "relay.orders.1", []byte("hello")))

	ev := recvEvent(t, sub)
	assert.Equal(t, "relay.orders.1", ev.Channel)
	assert.Equal(t, []byte("hello"), ev.Payload)
}

func TestMemBusChannelScoping(t *testing.T) {
	ctx := context.Background()
	b := NewMemBus()
	defer b.Close()

	chain1, err := b.Subscribe(ctx, "relay.orders.1")
	require.NoError(t, err)
	chain1000, err := b.Subscribe(ctx, "relay.orders.1000")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "relay.orders.1000", []byte("x")))

	recvEvent(t, chain1000)
	select {
	case ev := <-chain1.Out():
		t.Fatalf("chain 1 subscriber must not see chain 1000 events, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBusMultipleSubscribers(t *testing.T) {
	ctx := context.Background()
	b := NewMemBus()
	defer b.Close()

	first, err := b.Subscribe(ctx, "ch")
	require.NoError(t, err)
	second, err := b.Subscribe(ctx, "ch")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "ch", []byte("fanout")))

	assert.Equal(t, []byte("fanout"), recvEvent(t, first).Payload)
	assert.Equal(t, []byte("fanout"), recvEvent(t, second).Payload)
}

func TestMemBusNoReplay(t *testing.T) {
	ctx := context.Background()
	b := NewMemBus()
	defer b.Close()

	require.NoError(t, b.Publish(ctx, "ch", []byte("before")))

	sub, err := b.Subscribe(ctx, "ch")
	require.NoError(t, err)

	select {
	case ev := <-sub.Out():
		t.Fatalf("no backlog replay expected, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBusCancel(t *testing.T) {
	ctx := context.Background()
	b := NewMemBus()
	defer b.Close()

	sub, err := b.Subscribe(ctx, "ch")
	require.NoError(t, err)

	sub.Cancel()
	<-sub.Canceled()

	require.NoError(t, b.Publish(ctx, "ch", []byte("late")))
	select {
	case ev := <-sub.Out():
		t.Fatalf("canceled subscription must not receive, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBusClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemBus()

	sub, err := b.Subscribe(ctx, "ch")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	<-sub.Canceled()

	assert.ErrorIs(t, b.Publish(ctx, "ch", nil), ErrClosed)
	_, err = b.Subscribe(ctx, "ch")
	assert.ErrorIs(t, err, ErrClosed)
}
