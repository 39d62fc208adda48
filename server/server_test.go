package server_test

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
	"github.com/tradeweave/relay/marketdata"
	"github.com/tradeweave/relay/registry"
	"github.com/tradeweave/relay/server"
	"github.com/tradeweave/relay/store"
	"github.com/tradeweave/relay/types"
)

type world struct {
	env    *server.Environment
	router *server.Router
	store  *store.Memory
	bus    *bus.MemBus
	kv     *kv.MemStore
	reg    *registry.Registry
}

func newWorld(t *testing.T) *world {
	t.Helper()
	logger := log.NewTestingLogger(t)

	st := store.NewMemory()
	mb := bus.NewMemBus()
	mem := kv.NewMemStore()
	reg := registry.New(logger)

	markets := types.Markets{
		1: {"ETH-USDC": {ChainID: 1, Market: "ETH-USDC", BaseAsset: "ETH", QuoteAsset: "USDC"}},
	}
	locks := exclusivity.New(mem, logger)
	mgr := lifecycle.New(st, locks, mb, lifecycle.InsecureVerifier{}, markets, logger)
	book := marketdata.NewLiquidityBook(mem, mb, logger)
	agg := marketdata.NewAggregator(st, mb, markets, logger)

	env := &server.Environment{
		Lifecycle:  mgr,
		Aggregator: agg,
		Book:       book,
		Quotes:     marketdata.NewQuoteEngine(book),
		Store:      st,
		Registry:   reg,
		Logger:     logger,
	}
	return &world{
		env:    env,
		router: server.NewRouter(env.Handlers(), logger, server.NopMetrics()),
		store:  st,
		bus:    mb,
		kv:     mem,
		reg:    reg,
	}
}

func envelope(t *testing.T, op string, args ...interface{}) *types.Message {
	t.Helper()
	msg, err := types.NewMessage(op, args...)
	require.NoError(t, err)
	return msg
}

func dispatch(t *testing.T, w *world, caller *server.Caller, op string, args ...interface{}) []*types.Message {
	t.Helper()
	return w.router.Dispatch(context.Background(), caller, envelope(t, op, args...))
}

func requireError(t *testing.T, replies []*types.Message, op string, kind types.ErrorKind) {
	t.Helper()
	require.NotEmpty(t, replies)
	reply := replies[len(replies)-1]
	require.Equal(t, types.OpError, reply.Op)

	var gotOp, gotKind string
	require.NoError(t, json.Unmarshal(reply.Args[0], &gotOp))
	require.NoError(t, json.Unmarshal(reply.Args[1], &gotKind))
	assert.Equal(t, op, gotOp, "error reply preserves the originating op")
	assert.Equal(t, kind.String(), gotKind)
}

func wireOrder(user string, side types.Side) map[string]interface{} {
	return map[string]interface{}{
		"side":          side,
		"price":         2000.0,
		"baseQuantity":  1.0,
		"quoteQuantity": 2000.0,
		"userId":        user,
		"expires":       time.Now().Add(time.Hour).Unix(),
	}
}

func TestRouterUnknownOp(t *testing.T) {
	w := newWorld(t)
	replies := dispatch(t, w, &server.Caller{}, "teleport", 1)
	requireError(t, replies, "teleport", types.KindValidation)
}

func TestRouterPanicIsolation(t *testing.T) {
	logger := log.NewTestingLogger(t)
	router := server.NewRouter(map[string]server.HandlerFunc{
		"boom": func(context.Context, *server.Caller, []json.RawMessage) ([]*types.Message, error) {
			panic("kaboom")
		},
	}, logger, server.NopMetrics())

	replies := router.Dispatch(context.Background(), &server.Caller{}, &types.Message{Op: "boom"})
	requireError(t, replies, "boom", types.KindUpstream)
}

func TestSubmitOrderAck(t *testing.T) {
	w := newWorld(t)

	replies := dispatch(t, w, &server.Caller{}, types.OpSubmitOrder,
		1, "ETH-USDC", wireOrder("0xmaker", types.Buy))
	require.Len(t, replies, 1)
	assert.Equal(t, types.OpUserOrderAck, replies[0].Op)

	orders, err := w.store.OpenOrders(context.Background(), 1, "ETH-USDC")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, types.OrderOpen, orders[0].Status)
}

func TestSubmitOrderTupleAdapter(t *testing.T) {
	w := newWorld(t)

	tuple := []interface{}{
		types.Buy, 2000.0, 1.0, 2000.0, time.Now().Add(time.Hour).Unix(), "0xmaker", nil,
	}
	replies := dispatch(t, w, &server.Caller{}, types.OpSubmitOrder3, 1, "ETH-USDC", tuple)
	require.Len(t, replies, 1)
	assert.Equal(t, types.OpUserOrderAck, replies[0].Op)
}

func TestSubmitOrderBadMarket(t *testing.T) {
	w := newWorld(t)
	replies := dispatch(t, w, &server.Caller{}, types.OpSubmitOrder,
		1, "DOGE-USDC", wireOrder("0xmaker", types.Buy))
	requireError(t, replies, types.OpSubmitOrder, types.KindValidation)
}

func TestLoginRepliesWithHistory(t *testing.T) {
	w := newWorld(t)
	dispatch(t, w, &server.Caller{}, types.OpSubmitOrder, 1, "ETH-USDC", wireOrder("0xmaker", types.Buy))

	conn := registry.NewConnection(1)
	w.reg.Register(conn)
	caller := &server.Caller{Conn: conn}

	replies := dispatch(t, w, caller, types.OpLogin, 1, "0xmaker")
	require.Len(t, replies, 2)
	assert.Equal(t, types.OpOrders, replies[0].Op)
	assert.Equal(t, types.OpFills, replies[1].Op)
	assert.Equal(t, "0xmaker", conn.UserID())
}

func TestLoginRoutesOnLoginChain(t *testing.T) {
	w := newWorld(t)

	conn := registry.NewConnection(1)
	w.reg.Register(conn)

	replies := dispatch(t, w, &server.Caller{Conn: conn}, types.OpLogin, 1000, "0xuser")
	require.Len(t, replies, 2)

	got, ok := w.reg.LookupByUser(1000, "0xuser")
	require.True(t, ok, "history chain and routing chain must agree")
	assert.Same(t, conn, got)
	assert.Equal(t, types.ChainID(1000), conn.ChainID())
	_, ok = w.reg.LookupByUser(1, "0xuser")
	assert.False(t, ok)
}

func TestCancelViaLogin(t *testing.T) {
	w := newWorld(t)
	acks := dispatch(t, w, &server.Caller{}, types.OpSubmitOrder, 1, "ETH-USDC", wireOrder("0xmaker", types.Buy))
	require.Len(t, acks, 1)

	conn := registry.NewConnection(1)
	w.reg.Register(conn)
	caller := &server.Caller{Conn: conn}
	dispatch(t, w, caller, types.OpLogin, 1, "0xmaker")

	orders, err := w.store.OrdersByUser(context.Background(), 1, "0xmaker", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	replies := dispatch(t, w, caller, types.OpCancelOrder, 1, orders[0].ID)
	require.Len(t, replies, 1)
	assert.Equal(t, types.OpOrderStatus, replies[0].Op)

	got, err := w.store.GetOrder(context.Background(), 1, orders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, got.Status)
}

func TestCancelWithoutIdentity(t *testing.T) {
	w := newWorld(t)
	dispatch(t, w, &server.Caller{}, types.OpSubmitOrder, 1, "ETH-USDC", wireOrder("0xmaker", types.Buy))

	orders, err := w.store.OrdersByUser(context.Background(), 1, "0xmaker", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	replies := dispatch(t, w, &server.Caller{}, types.OpCancelOrder2, 1, orders[0].ID)
	requireError(t, replies, types.OpCancelOrder2, types.KindUnauthorized)
}

func TestRequestQuoteOverBook(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	require.NoError(t, w.env.Book.Indicate(ctx, &types.LiquidityIndication{
		ChainID: 1, Market: "ETH-USDC", ConnectionID: "mm-1",
		Levels: []types.LiquidityLevel{
			{Side: types.Sell, Price: 2000, Quantity: 1},
			{Side: types.Sell, Price: 2100, Quantity: 2},
		},
	}))

	replies := dispatch(t, w, &server.Caller{}, types.OpRequestQuote, 1, "ETH-USDC", types.Buy, 2.0)
	require.Len(t, replies, 1)
	require.Equal(t, types.OpQuote, replies[0].Op)

	var price float64
	require.NoError(t, json.Unmarshal(replies[0].Args[4], &price))
	assert.InDelta(t, 2050, price, 1e-9)

	// quote-denominated: exactly one of the two quantities
	replies = dispatch(t, w, &server.Caller{}, types.OpRequestQuote, 1, "ETH-USDC", types.Buy, nil, 2000.0)
	require.Len(t, replies, 1)
	assert.Equal(t, types.OpQuote, replies[0].Op)

	replies = dispatch(t, w, &server.Caller{}, types.OpRequestQuote, 1, "ETH-USDC", types.Buy, 1.0, 2000.0)
	requireError(t, replies, types.OpRequestQuote, types.KindValidation)

	replies = dispatch(t, w, &server.Caller{}, types.OpRequestQuote, 1, "ETH-USDC", types.Buy, 100.0)
	requireError(t, replies, types.OpRequestQuote, types.KindValidation)
}

func TestIndicateLiquidityKeysByConnection(t *testing.T) {
	w := newWorld(t)
	conn := registry.NewConnection(1)
	w.reg.Register(conn)

	replies := dispatch(t, w, &server.Caller{Conn: conn}, types.OpIndicateLiq,
		1, "ETH-USDC", []types.LiquidityLevel{{Side: types.Sell, Price: 2000, Quantity: 1}})
	assert.Empty(t, replies)

	book, err := w.env.Book.Aggregate(context.Background(), 1, "ETH-USDC")
	require.NoError(t, err)
	require.Len(t, book, 1)
}

// The full round trip: a submitted order is claimed by a fill request and
// settlement reports it filled; the market's subscribers see the terminal
// orderstatus broadcast with the exact positional shape.
func TestOrderLifecycleBroadcast(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := server.NewSubscriber(w.bus, w.reg, []types.ChainID{1}, log.NewTestingLogger(t), server.NopMetrics())
	require.NoError(t, sub.Start(ctx))
	defer sub.Stop() //nolint:errcheck

	watcher := registry.NewConnection(1)
	w.reg.Register(watcher)
	w.reg.AddSubscription(watcher.ID(), "ETH-USDC")

	acks := dispatch(t, w, &server.Caller{}, types.OpSubmitOrder, 1, "ETH-USDC", wireOrder("0xmaker", types.Buy))
	require.Len(t, acks, 1)
	require.Equal(t, types.OpUserOrderAck, acks[0].Op)

	orders, err := w.store.OrdersByUser(ctx, 1, "0xmaker", 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	orderID := orders[0].ID

	replies := dispatch(t, w, &server.Caller{}, types.OpFillRequest, 1, orderID, wireOrder("0xtaker", types.Sell))
	assert.Empty(t, replies, "match outcome reaches the origin via broadcast")

	// settlement reports the terminal outcome as a one-element batch
	update := []interface{}{1, orderID, "f"}
	replies = dispatch(t, w, &server.Caller{}, types.OpOrderStatusUpdate, update)
	assert.Empty(t, replies)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-watcher.Outbound():
			if msg.Op != types.OpOrderStatus {
				continue
			}
			var tuples [][]interface{}
			require.NoError(t, json.Unmarshal(msg.Args[0], &tuples))
			require.Len(t, tuples, 1)
			if tuples[0][2] != "f" {
				continue
			}
			assert.Equal(t, float64(1), tuples[0][0])
			assert.Equal(t, orderID, tuples[0][1])
			return
		case <-deadline:
			t.Fatal("terminal orderstatus broadcast never arrived")
		}
	}
}

func TestSecondFillRequestConflicts(t *testing.T) {
	w := newWorld(t)

	dispatch(t, w, &server.Caller{}, types.OpSubmitOrder, 1, "ETH-USDC", wireOrder("0xmaker", types.Buy))
	orders, err := w.store.OrdersByUser(context.Background(), 1, "0xmaker", 1)
	require.NoError(t, err)
	orderID := orders[0].ID

	replies := dispatch(t, w, &server.Caller{}, types.OpFillRequest, 1, orderID, wireOrder("0xtaker", types.Sell))
	assert.Empty(t, replies)

	replies = dispatch(t, w, &server.Caller{}, types.OpFillRequest, 1, orderID, wireOrder("0xother", types.Sell))
	requireError(t, replies, types.OpFillRequest, types.KindConflict)
}

func TestSubscribeMarketPrimer(t *testing.T) {
	w := newWorld(t)
	dispatch(t, w, &server.Caller{}, types.OpSubmitOrder, 1, "ETH-USDC", wireOrder("0xmaker", types.Buy))
	require.NoError(t, w.store.CreateFill(context.Background(), &types.Fill{
		ID: "f-1", ChainID: 1, Market: "ETH-USDC",
		Side: types.Sell, Price: 2050, BaseVolume: 2, QuoteVolume: 4100,
		Status: types.OrderFilled,
	}))

	conn := registry.NewConnection(1)
	w.reg.Register(conn)

	replies := dispatch(t, w, &server.Caller{Conn: conn}, types.OpSubscribeMarket, 1, "usdc-eth")
	require.Len(t, replies, 5)
	assert.Equal(t, types.OpMarketSummary, replies[0].Op)
	assert.Equal(t, types.OpMarketInfo, replies[1].Op)
	assert.Equal(t, types.OpOrders, replies[2].Op)
	assert.Equal(t, types.OpFills, replies[3].Op)
	assert.Equal(t, types.OpLiquidity, replies[4].Op)
	assert.True(t, conn.Subscribed("ETH-USDC"), "market canonicalized before subscribing")

	var tuples [][]interface{}
	require.NoError(t, json.Unmarshal(replies[3].Args[0], &tuples))
	require.Len(t, tuples, 1, "recent fill history primes the subscription")
	assert.Equal(t, "f-1", tuples[0][1])
}

func TestSubscribeAllSetsSwapScope(t *testing.T) {
	w := newWorld(t)
	conn := registry.NewConnection(1)
	w.reg.Register(conn)

	replies := dispatch(t, w, &server.Caller{Conn: conn}, types.OpSubscribeMarket, 1, types.AllMarkets)
	require.Len(t, replies, 1)
	assert.Equal(t, types.OpLastPrice, replies[0].Op)
	assert.True(t, conn.WantsSwapEvents("ETH-USDC"))
}
