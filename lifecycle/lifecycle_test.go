package lifecycle_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeweave/relay/bus"
	"github.com/tradeweave/relay/exclusivity"
	"github.com/tradeweave/relay/kv"
	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/lifecycle"
	"github.com/tradeweave/relay/store"
	"github.com/tradeweave/relay/types"
)

func testMarkets() types.Markets {
	return types.Markets{
		1: {
			"ETH-USDC": {ChainID: 1, Market: "ETH-USDC", BaseAsset: "ETH", QuoteAsset: "USDC"},
		},
	}
}

type fixture struct {
	mgr   *lifecycle.Manager
	store *store.Memory
	bus   *bus.MemBus
	kv    *kv.MemStore
}

func newFixture(t *testing.T, opts ...lifecycle.Option) *fixture {
	t.Helper()
	st := store.NewMemory()
	mb := bus.NewMemBus()
	mem := kv.NewMemStore()
	logger := log.NewTestingLogger(t)
	locks := exclusivity.New(mem, logger)
	mgr := lifecycle.New(st, locks, mb, lifecycle.InsecureVerifier{}, testMarkets(), logger, opts...)
	return &fixture{mgr: mgr, store: st, bus: mb, kv: mem}
}

func makerOrder() *types.Order {
	return &types.Order{
		ChainID:       1,
		Market:        "ETH-USDC",
		Side:          types.Buy,
		Price:         2000,
		BaseQuantity:  1,
		QuoteQuantity: 2000,
		UserID:        "0xmaker",
		Expires:       time.Now().Add(time.Hour).Unix(),
	}
}

func takerOrder() *types.Order {
	o := makerOrder()
	o.Side = types.Sell
	o.UserID = "0xtaker"
	return o
}

func drain(t *testing.T, sub *bus.Subscription) types.OrderEvent {
	t.Helper()
	select {
	case ev := <-sub.Out():
		var oe types.OrderEvent
		require.NoError(t, json.Unmarshal(ev.Payload, &oe))
		return oe
	case <-time.After(time.Second):
		t.Fatal("no event on bus")
		return types.OrderEvent{}
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(*types.Order)
		kind   types.ErrorKind
	}{
		{"unsupported chain", func(o *types.Order) { o.ChainID = 1000 }, types.KindValidation},
		{"unknown market", func(o *types.Order) { o.Market = "FOO-BAR" }, types.KindValidation},
		{"malformed market", func(o *types.Order) { o.Market = "ETHUSDC" }, types.KindValidation},
		{"bad side", func(o *types.Order) { o.Side = "x" }, types.KindValidation},
		{"zero price", func(o *types.Order) { o.Price = 0 }, types.KindValidation},
		{"expired", func(o *types.Order) { o.Expires = time.Now().Add(-time.Minute).Unix() }, types.KindValidation},
		{"no user", func(o *types.Order) { o.UserID = "" }, types.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := makerOrder()
			tc.mutate(o)
			_, err := f.mgr.Submit(ctx, o)
			require.Error(t, err)
			assert.Equal(t, tc.kind, types.KindOf(err))
		})
	}
}

func TestSubmitNormalizesMarket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	o := makerOrder()
	o.Market = "usdc-eth"
	got, err := f.mgr.Submit(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, "ETH-USDC", got.Market)
	assert.Equal(t, types.OrderOpen, got.Status)
	assert.NotEmpty(t, got.ID)
}

func TestSubmitPublishesOrderEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, err := f.bus.Subscribe(ctx, types.ChannelName(types.ChannelOrders, 1))
	require.NoError(t, err)

	got, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)

	ev := drain(t, sub)
	assert.Equal(t, got.ID, ev.Order.ID)
	assert.Nil(t, ev.Fill)
}

func TestMatchClaimsOnceAndLocksMaker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	maker, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)

	order, fill, err := f.mgr.Match(ctx, 1, maker.ID, takerOrder())
	require.NoError(t, err)
	assert.Equal(t, types.OrderMatched, order.Status)
	assert.Equal(t, maker.ID, fill.OrderID)
	assert.Equal(t, "0xtaker", fill.TakerID)
	assert.Equal(t, "0xmaker", fill.MakerID)
	assert.Equal(t, types.Sell, fill.Side, "fill takes the opposite side of the maker")

	// second taker loses the claim
	_, _, err = f.mgr.Match(ctx, 1, maker.ID, takerOrder())
	require.Error(t, err)
	assert.Equal(t, types.KindConflict, types.KindOf(err))

	// the maker is locked for the TTL
	locks := exclusivity.New(f.kv, log.NewNopLogger())
	err = locks.Acquire(ctx, 1, "0xmaker")
	require.Error(t, err)
	assert.Equal(t, types.KindConflict, types.KindOf(err))
}

func TestMatchBusyMakerClaimStands(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)
	second, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)

	_, _, err = f.mgr.Match(ctx, 1, first.ID, takerOrder())
	require.NoError(t, err)

	// same maker, different order: the claim succeeds but the lock
	// conflict is reported with the remaining wait
	order, fill, err := f.mgr.Match(ctx, 1, second.ID, takerOrder())
	require.Error(t, err)
	assert.Equal(t, types.KindConflict, types.KindOf(err))
	require.NotNil(t, order)
	require.NotNil(t, fill)
	assert.Equal(t, types.OrderMatched, order.Status)

	var relayErr *types.Error
	require.ErrorAs(t, err, &relayErr)
	assert.Greater(t, relayErr.Remaining, time.Duration(0))
}

func TestMatchUnknownOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.mgr.Match(ctx, 1, "404", takerOrder())
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestFullLifecycleToFilled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, err := f.bus.Subscribe(ctx, types.ChannelName(types.ChannelOrders, 1))
	require.NoError(t, err)

	maker, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)
	_, fill, err := f.mgr.Match(ctx, 1, maker.ID, takerOrder())
	require.NoError(t, err)

	order, bFill, err := f.mgr.ConfirmBroadcast(ctx, 1, maker.ID, "0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, types.OrderBroadcasted, order.Status)
	assert.Equal(t, "0xdeadbeef", bFill.TxHash)

	err = f.mgr.ApplyStatusUpdates(ctx, []types.StatusUpdate{
		{ChainID: 1, OrderID: maker.ID, Status: types.OrderFilled},
	})
	require.NoError(t, err)

	final, err := f.store.GetOrder(ctx, 1, maker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, final.Status)

	finalFill, err := f.store.GetFill(ctx, 1, fill.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, finalFill.Status)
	assert.Equal(t, fill.Price, finalFill.Price)
	assert.Equal(t, "0xdeadbeef", finalFill.TxHash)

	// the maker's lock is gone: a fresh acquire succeeds
	locks := exclusivity.New(f.kv, log.NewNopLogger())
	require.NoError(t, locks.Acquire(ctx, 1, "0xmaker"))

	// submit, match, broadcast and fill each put an event on the bus
	for i := 0; i < 4; i++ {
		drain(t, sub)
	}
}

func TestRejectReleasesLockByDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	maker, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)
	_, _, err = f.mgr.Match(ctx, 1, maker.ID, takerOrder())
	require.NoError(t, err)

	err = f.mgr.ApplyStatusUpdates(ctx, []types.StatusUpdate{
		{ChainID: 1, OrderID: maker.ID, Status: types.OrderRejected},
	})
	require.NoError(t, err)

	got, err := f.store.GetOrder(ctx, 1, maker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderRejected, got.Status)

	locks := exclusivity.New(f.kv, log.NewNopLogger())
	require.NoError(t, locks.Acquire(ctx, 1, "0xmaker"))
}

func TestRejectHoldsLockWhenConfigured(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, lifecycle.WithHoldLockOnReject())

	maker, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)
	_, _, err = f.mgr.Match(ctx, 1, maker.ID, takerOrder())
	require.NoError(t, err)

	require.NoError(t, f.mgr.ApplyStatusUpdates(ctx, []types.StatusUpdate{
		{ChainID: 1, OrderID: maker.ID, Status: types.OrderRejected},
	}))

	locks := exclusivity.New(f.kv, log.NewNopLogger())
	err = locks.Acquire(ctx, 1, "0xmaker")
	require.Error(t, err, "lock held until TTL expiry")
}

func TestStatusUpdateBatchIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	maker, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)
	_, _, err = f.mgr.Match(ctx, 1, maker.ID, takerOrder())
	require.NoError(t, err)

	// first element fails, second still applies
	err = f.mgr.ApplyStatusUpdates(ctx, []types.StatusUpdate{
		{ChainID: 1, OrderID: "404", Status: types.OrderFilled},
		{ChainID: 1, OrderID: maker.ID, Status: types.OrderBroadcasted, TxHash: "0xaa"},
	})
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	got, err := f.store.GetOrder(ctx, 1, maker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderBroadcasted, got.Status)
}

func TestCancelOnlyByOwnerFromOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	maker, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)

	_, err = f.mgr.Cancel(ctx, 1, maker.ID, "0xsomeoneelse", nil)
	require.Error(t, err)
	assert.Equal(t, types.KindUnauthorized, types.KindOf(err))

	_, err = f.mgr.Cancel(ctx, 1, maker.ID, "", nil)
	require.Error(t, err)
	assert.Equal(t, types.KindUnauthorized, types.KindOf(err))

	got, err := f.mgr.Cancel(ctx, 1, maker.ID, "0xmaker", nil)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, got.Status)

	// idempotence: cancelling a terminal order is refused without mutation
	_, err = f.mgr.Cancel(ctx, 1, maker.ID, "0xmaker", nil)
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestCancelRefusedOnceMatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	maker, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)
	_, _, err = f.mgr.Match(ctx, 1, maker.ID, takerOrder())
	require.NoError(t, err)

	_, err = f.mgr.Cancel(ctx, 1, maker.ID, "0xmaker", nil)
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	got, err := f.store.GetOrder(ctx, 1, maker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderMatched, got.Status)
}

func TestCancelAllSkipsClaimed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)
	b, err := f.mgr.Submit(ctx, makerOrder())
	require.NoError(t, err)
	_, _, err = f.mgr.Match(ctx, 1, b.ID, takerOrder())
	require.NoError(t, err)

	cancelled, err := f.mgr.CancelAll(ctx, 1, "0xmaker")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, cancelled)

	got, err := f.store.GetOrder(ctx, 1, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderMatched, got.Status)
}
