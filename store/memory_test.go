package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeweave/relay/store"
	"github.com/tradeweave/relay/types"
)

func newOrder(chainID types.ChainID, user string) *types.Order {
	return &types.Order{
		ChainID:       chainID,
		Market:        "ETH-USDT",
		Side:          types.Buy,
		Price:         1850.5,
		BaseQuantity:  2,
		QuoteQuantity: 3701,
		UserID:        user,
		Expires:       time.Now().Add(time.Hour).Unix(),
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	o := newOrder(1, "0xmaker")
	require.NoError(t, s.CreateOrder(ctx, o))
	require.NotEmpty(t, o.ID)
	assert.Equal(t, types.OrderOpen, o.Status)

	got, err := s.GetOrder(ctx, 1, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.UserID, got.UserID)

	// ids are scoped to the chain
	_, err = s.GetOrder(ctx, 1000, o.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryClaimOrderOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	o := newOrder(1, "0xmaker")
	require.NoError(t, s.CreateOrder(ctx, o))

	claimed, ok, err := s.ClaimOrder(ctx, 1, o.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.OrderMatched, claimed.Status)

	// second claim loses without error
	_, ok, err = s.ClaimOrder(ctx, 1, o.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.ClaimOrder(ctx, 1, "9999")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	o := newOrder(1, "0xmaker")
	require.NoError(t, s.CreateOrder(ctx, o))

	const takers = 16
	var wg sync.WaitGroup
	wins := make(chan string, takers)
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, ok, err := s.ClaimOrder(ctx, 1, o.ID)
			assert.NoError(t, err)
			if ok {
				wins <- o.ID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var n int
	for range wins {
		n++
	}
	assert.Equal(t, 1, n, "exactly one taker may claim an open order")
}

func TestMemoryUpdateOrderStatus(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	o := newOrder(1, "0xmaker")
	require.NoError(t, s.CreateOrder(ctx, o))

	// open -> broadcasted skips matched and must be refused
	_, err := s.UpdateOrderStatus(ctx, 1, o.ID, types.OrderBroadcasted)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, ok, err := s.ClaimOrder(ctx, 1, o.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.UpdateOrderStatus(ctx, 1, o.ID, types.OrderBroadcasted)
	require.NoError(t, err)
	assert.Equal(t, types.OrderBroadcasted, got.Status)

	got, err = s.UpdateOrderStatus(ctx, 1, o.ID, types.OrderFilled)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, got.Status)

	// terminal states admit nothing
	_, err = s.UpdateOrderStatus(ctx, 1, o.ID, types.OrderRejected)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestMemoryCancelOnlyOpen(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	open := newOrder(1, "0xmaker")
	require.NoError(t, s.CreateOrder(ctx, open))

	matched := newOrder(1, "0xmaker")
	require.NoError(t, s.CreateOrder(ctx, matched))
	_, ok, err := s.ClaimOrder(ctx, 1, matched.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.CancelOrder(ctx, 1, open.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, got.Status)

	_, err = s.CancelOrder(ctx, 1, matched.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	// the matched order is untouched by the refused cancel
	after, err := s.GetOrder(ctx, 1, matched.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderMatched, after.Status)
}

func TestMemoryOpenOrderQueries(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	a := newOrder(1, "0xalice")
	require.NoError(t, s.CreateOrder(ctx, a))
	b := newOrder(1, "0xalice")
	require.NoError(t, s.CreateOrder(ctx, b))
	c := newOrder(1, "0xbob")
	require.NoError(t, s.CreateOrder(ctx, c))

	_, ok, err := s.ClaimOrder(ctx, 1, b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	open, err := s.OpenOrders(ctx, 1, "ETH-USDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	ids, err := s.OpenOrderIDsByUser(ctx, 1, "0xalice")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)

	mine, err := s.OrdersByUser(ctx, 1, "0xalice", 1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, b.ID, mine[0].ID, "newest order first")
}

func TestMemoryFillLifecycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	o := newOrder(1, "0xmaker")
	require.NoError(t, s.CreateOrder(ctx, o))
	_, ok, err := s.ClaimOrder(ctx, 1, o.ID)
	require.NoError(t, err)
	require.True(t, ok)

	f := &types.Fill{
		ID:         "f-1",
		ChainID:    1,
		Market:     o.Market,
		OrderID:    o.ID,
		Side:       types.Sell,
		Price:      o.Price,
		BaseVolume: 2,
		Status:     types.OrderMatched,
		TakerID:    "0xtaker",
		MakerID:    "0xmaker",
	}
	require.NoError(t, s.CreateFill(ctx, f))

	got, err := s.FillByOrder(ctx, 1, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "f-1", got.ID)

	got, err = s.UpdateFillStatus(ctx, 1, "f-1", types.OrderBroadcasted, "0xtxhash")
	require.NoError(t, err)
	assert.Equal(t, types.OrderBroadcasted, got.Status)
	assert.Equal(t, "0xtxhash", got.TxHash)

	got, err = s.FinalizeFill(ctx, 1, "f-1", 1851, 0.5, "USDT")
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, got.Status)
	assert.Equal(t, 1851.0, got.Price)
	assert.Equal(t, 2*1851.0, got.QuoteVolume)
	assert.Equal(t, "USDT", got.FeeToken)
	assert.Equal(t, "0xtxhash", got.TxHash, "finalize keeps the recorded hash")

	byUser, err := s.FillsByUser(ctx, 1, "0xtaker", 0)
	require.NoError(t, err)
	assert.Len(t, byUser, 1)
}

func TestMemoryFillsByMarketSince(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	base := time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
	at := base
	s.SetNow(func() time.Time { return at })

	mk := func(id string, ts time.Time) {
		at = ts
		require.NoError(t, s.CreateFill(ctx, &types.Fill{
			ID: id, ChainID: 1, Market: "ETH-USDT",
			Side: types.Buy, Price: 1800, BaseVolume: 1,
			Status: types.OrderFilled,
		}))
	}
	mk("old", base.Add(-25*time.Hour))
	mk("recent", base.Add(-time.Hour))
	mk("newer", base.Add(-time.Minute))

	fills, err := s.FillsByMarketSince(ctx, 1, "ETH-USDT", base.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "newer", fills[0].ID)
	assert.Equal(t, "recent", fills[1].ID)
}
