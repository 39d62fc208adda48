package server

import (
	"context"
	"encoding/json"

	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/lifecycle"
	"github.com/tradeweave/relay/marketdata"
	"github.com/tradeweave/relay/registry"
	"github.com/tradeweave/relay/store"
	"github.com/tradeweave/relay/types"
)

const userHistoryLimit = 50

// Environment holds the components the operation handlers close over. One
// Environment serves both the websocket and the one-shot HTTP path.
type Environment struct {
	Lifecycle  *lifecycle.Manager
	Aggregator *marketdata.Aggregator
	Book       *marketdata.LiquidityBook
	Quotes     *marketdata.QuoteEngine
	Store      store.Store
	Registry   *registry.Registry
	Logger     log.Logger
}

// Handlers builds the full operation table.
func (env *Environment) Handlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		types.OpLogin:             env.Login,
		types.OpSubscribeMarket:   env.SubscribeMarket,
		types.OpUnsubscribeMarket: env.UnsubscribeMarket,
		types.OpSubmitOrder:       env.SubmitOrder,
		types.OpSubmitOrder2:      env.SubmitOrder,
		types.OpSubmitOrder3:      env.SubmitOrderTuple,
		types.OpCancelOrder:       env.CancelOrder,
		types.OpCancelOrder2:      env.CancelOrderByLogin,
		types.OpCancelOrder3:      env.CancelOrderSigned,
		types.OpCancelAll:         env.CancelAll,
		types.OpFillRequest:       env.FillRequest,
		types.OpOrderStatusUpdate: env.OrderStatusUpdate,
		types.OpIndicateLiq:       env.IndicateLiquidity,
		types.OpRequestQuote:      env.RequestQuote,
		types.OpMarketsReq:        env.MarketsReq,
		types.OpOrderReceiptReq:   env.OrderReceiptReq,
		types.OpFillReceiptReq:    env.FillReceiptReq,
		types.OpDailyVolumeReq:    env.DailyVolumeReq,
	}
}

// Login binds the caller's connection to a user identity and replies with
// the user's recent orders and fills. The connection moves onto the login
// chain, so event routing follows the chain the history was loaded for. A
// user's previous connection on the same chain loses the binding but stays
// open.
func (env *Environment) Login(ctx context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID types.ChainID
		userID  string
	)
	if err := types.DecodeArgs(args, &chainID, &userID); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, types.Validationf("empty user id")
	}
	if caller.Conn != nil {
		env.Registry.BindUser(caller.Conn.ID(), chainID, userID)
	}

	orders, err := env.Store.OrdersByUser(ctx, chainID, userID, userHistoryLimit)
	if err != nil {
		return nil, types.Upstreamf(err, "loading orders")
	}
	fills, err := env.Store.FillsByUser(ctx, chainID, userID, userHistoryLimit)
	if err != nil {
		return nil, types.Upstreamf(err, "loading fills")
	}
	return []*types.Message{
		types.OrdersMessage(orders),
		types.FillsMessage(fills),
	}, nil
}

// SubscribeMarket adds the caller to a market's broadcast scope and primes
// it with the market's current view. The sentinel market "all" subscribes
// the connection to chain-wide swap events instead.
func (env *Environment) SubscribeMarket(ctx context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID types.ChainID
		market  string
	)
	if err := types.DecodeArgs(args, &chainID, &market); err != nil {
		return nil, err
	}
	if caller.Conn == nil {
		return nil, types.Validationf("subscriptions require a persistent connection")
	}

	if market == types.AllMarkets {
		caller.Conn.SetSwapScope(types.AllMarkets)
		return []*types.Message{
			types.LastPriceMessage(chainID, env.Aggregator.Summaries(chainID)...),
		}, nil
	}

	market, err := types.CanonicalMarket(market)
	if err != nil {
		return nil, types.Validationf("%v", err)
	}
	info, err := env.Lifecycle.Markets().Lookup(chainID, market)
	if err != nil {
		return nil, err
	}
	env.Registry.AddSubscription(caller.Conn.ID(), market)

	summary, ok := env.Aggregator.Summary(chainID, market)
	if !ok {
		summary = &types.MarketSummary{ChainID: chainID, Market: market}
	}
	orders, err := env.Store.OpenOrders(ctx, chainID, market)
	if err != nil {
		return nil, types.Upstreamf(err, "loading open orders")
	}
	fills, err := env.Store.FillsByMarketSince(ctx, chainID, market, env.Aggregator.WindowStart())
	if err != nil {
		return nil, types.Upstreamf(err, "loading fills")
	}
	book, err := env.Book.Aggregate(ctx, chainID, market)
	if err != nil {
		return nil, err
	}
	return []*types.Message{
		types.MarketSummaryMessage(summary),
		types.MarketInfoMessage(info),
		types.OrdersMessage(orders),
		types.FillsMessage(fills),
		types.LiquidityMessage(chainID, market, book),
	}, nil
}

// UnsubscribeMarket removes the caller from a market's broadcast scope.
func (env *Environment) UnsubscribeMarket(_ context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID types.ChainID
		market  string
	)
	if err := types.DecodeArgs(args, &chainID, &market); err != nil {
		return nil, err
	}
	_ = chainID
	if caller.Conn == nil {
		return nil, types.Validationf("subscriptions require a persistent connection")
	}
	if market == types.AllMarkets {
		caller.Conn.SetSwapScope("")
		return nil, nil
	}
	market, err := types.CanonicalMarket(market)
	if err != nil {
		return nil, types.Validationf("%v", err)
	}
	env.Registry.RemoveSubscription(caller.Conn.ID(), market)
	return nil, nil
}

// SubmitOrder accepts a signed order as a JSON object.
func (env *Environment) SubmitOrder(ctx context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID types.ChainID
		market  string
		order   types.Order
	)
	if err := types.DecodeArgs(args, &chainID, &market, &order); err != nil {
		return nil, err
	}
	order.ChainID = chainID
	order.Market = market
	return env.submit(ctx, &order)
}

// SubmitOrderTuple accepts the positional order encoding used by newer
// protocol clients: [side, price, baseQuantity, quoteQuantity, expires,
// userId, signature].
func (env *Environment) SubmitOrderTuple(ctx context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID types.ChainID
		market  string
		tuple   []json.RawMessage
	)
	if err := types.DecodeArgs(args, &chainID, &market, &tuple); err != nil {
		return nil, err
	}
	order := types.Order{ChainID: chainID, Market: market}
	if err := types.DecodeArgs(tuple,
		&order.Side, &order.Price, &order.BaseQuantity, &order.QuoteQuantity,
		&order.Expires, &order.UserID, &order.Signature); err != nil {
		return nil, err
	}
	return env.submit(ctx, &order)
}

func (env *Environment) submit(ctx context.Context, order *types.Order) ([]*types.Message, error) {
	submitted, err := env.Lifecycle.Submit(ctx, order)
	if err != nil {
		return nil, err
	}
	return []*types.Message{types.UserOrderAckMessage(submitted)}, nil
}

// CancelOrder cancels with either the connection's logged-in identity or an
// optional signed proof: [chainId, orderId] or [chainId, orderId, proof].
func (env *Environment) CancelOrder(ctx context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error) {
	switch len(args) {
	case 2:
		return env.CancelOrderByLogin(ctx, caller, args)
	case 3:
		return env.CancelOrderSigned(ctx, caller, args)
	default:
		return nil, types.Validationf("expected 2 or 3 args, got %d", len(args))
	}
}

// CancelOrderByLogin cancels on the strength of the connection's login.
func (env *Environment) CancelOrderByLogin(ctx context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID types.ChainID
		orderID string
	)
	if err := types.DecodeArgs(args, &chainID, &orderID); err != nil {
		return nil, err
	}
	return env.cancel(ctx, chainID, orderID, caller.UserID(), nil)
}

// CancelOrderSigned cancels with an explicit signed proof, for callers
// without a login (including the one-shot HTTP path).
func (env *Environment) CancelOrderSigned(ctx context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID types.ChainID
		orderID string
		proof   json.RawMessage
	)
	if err := types.DecodeArgs(args, &chainID, &orderID, &proof); err != nil {
		return nil, err
	}
	return env.cancel(ctx, chainID, orderID, caller.UserID(), proof)
}

func (env *Environment) cancel(ctx context.Context, chainID types.ChainID, orderID, requesterID string, proof json.RawMessage) ([]*types.Message, error) {
	order, err := env.Lifecycle.Cancel(ctx, chainID, orderID, requesterID, proof)
	if err != nil {
		return nil, err
	}
	return []*types.Message{types.OrderStatusMessage(types.StatusUpdate{
		ChainID: chainID, OrderID: order.ID, Status: order.Status,
	})}, nil
}

// CancelAll cancels every open order of the logged-in user on the chain.
func (env *Environment) CancelAll(ctx context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var chainID types.ChainID
	if err := types.DecodeArgs(args, &chainID); err != nil {
		return nil, err
	}
	ids, err := env.Lifecycle.CancelAll(ctx, chainID, caller.UserID())
	if err != nil {
		return nil, err
	}
	updates := make([]types.StatusUpdate, len(ids))
	for i, id := range ids {
		updates[i] = types.StatusUpdate{ChainID: chainID, OrderID: id, Status: types.OrderCancelled}
	}
	return []*types.Message{types.OrderStatusMessage(updates...)}, nil
}

// FillRequest claims an open order for the taker. The match outcome reaches
// subscribers through the bus; the origin only hears back on error.
func (env *Environment) FillRequest(ctx context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID types.ChainID
		orderID string
		taker   types.Order
	)
	if err := types.DecodeArgs(args, &chainID, &orderID, &taker); err != nil {
		return nil, err
	}
	taker.ChainID = chainID
	if _, _, err := env.Lifecycle.Match(ctx, chainID, orderID, &taker); err != nil {
		return nil, err
	}
	return nil, nil
}

// OrderStatusUpdate applies a settlement-reported batch of transitions:
// each argument is one [chainId, orderId, status, txHash?] tuple.
func (env *Environment) OrderStatusUpdate(ctx context.Context, _ *Caller, args []json.RawMessage) ([]*types.Message, error) {
	if len(args) == 0 {
		return nil, types.Validationf("empty status update batch")
	}
	updates := make([]types.StatusUpdate, 0, len(args))
	for i, raw := range args {
		var tuple []json.RawMessage
		if err := json.Unmarshal(raw, &tuple); err != nil {
			return nil, types.Validationf("update %d: %v", i, err)
		}
		var u types.StatusUpdate
		switch len(tuple) {
		case 3:
			if err := types.DecodeArgs(tuple, &u.ChainID, &u.OrderID, &u.Status); err != nil {
				return nil, types.Validationf("update %d: %v", i, err)
			}
		case 4:
			if err := types.DecodeArgs(tuple, &u.ChainID, &u.OrderID, &u.Status, &u.TxHash); err != nil {
				return nil, types.Validationf("update %d: %v", i, err)
			}
		default:
			return nil, types.Validationf("update %d: expected 3 or 4 fields, got %d", i, len(tuple))
		}
		if !u.Status.Valid() {
			return nil, types.Validationf("update %d: unknown status %q", i, u.Status)
		}
		updates = append(updates, u)
	}
	return nil, env.Lifecycle.ApplyStatusUpdates(ctx, updates)
}

// IndicateLiquidity replaces the caller's standing indication for a market.
func (env *Environment) IndicateLiquidity(ctx context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID types.ChainID
		market  string
		levels  []types.LiquidityLevel
	)
	if err := types.DecodeArgs(args, &chainID, &market, &levels); err != nil {
		return nil, err
	}
	return nil, env.Book.Indicate(ctx, &types.LiquidityIndication{
		ChainID:      chainID,
		Market:       market,
		ConnectionID: caller.ConnID(),
		Levels:       levels,
	})
}

// RequestQuote prices a hypothetical order against the aggregate book. The
// caller supplies exactly one of the base or quote quantity:
// [chainId, market, side, baseQty] or [chainId, market, side, baseQty|null, quoteQty].
func (env *Environment) RequestQuote(ctx context.Context, _ *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID  types.ChainID
		market   string
		side     types.Side
		baseQty  *float64
		quoteQty *float64
	)
	switch len(args) {
	case 4:
		if err := types.DecodeArgs(args, &chainID, &market, &side, &baseQty); err != nil {
			return nil, err
		}
	case 5:
		if err := types.DecodeArgs(args, &chainID, &market, &side, &baseQty, &quoteQty); err != nil {
			return nil, err
		}
	default:
		return nil, types.Validationf("expected 4 or 5 args, got %d", len(args))
	}
	if (baseQty == nil) == (quoteQty == nil) {
		return nil, types.Validationf("exactly one of base and quote quantity is required")
	}

	canonical, err := types.CanonicalMarket(market)
	if err != nil {
		return nil, types.Validationf("%v", err)
	}
	if _, err := env.Lifecycle.Markets().Lookup(chainID, canonical); err != nil {
		return nil, err
	}

	if baseQty != nil {
		price, quote, err := env.Quotes.Quote(ctx, chainID, canonical, side, *baseQty)
		if err != nil {
			return nil, err
		}
		return []*types.Message{types.QuoteMessage(chainID, canonical, side, *baseQty, price, quote)}, nil
	}
	price, base, err := env.Quotes.QuoteByQuote(ctx, chainID, canonical, side, *quoteQty)
	if err != nil {
		return nil, err
	}
	return []*types.Message{types.QuoteMessage(chainID, canonical, side, base, price, *quoteQty)}, nil
}

// MarketsReq lists the chain's tradable markets.
func (env *Environment) MarketsReq(_ context.Context, _ *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var chainID types.ChainID
	if err := types.DecodeArgs(args, &chainID); err != nil {
		return nil, err
	}
	if !env.Lifecycle.Markets().SupportsChain(chainID) {
		return nil, types.Validationf("unsupported chain %d", chainID)
	}
	msg, err := types.NewMessage(types.OpMarkets, env.Lifecycle.Markets().List(chainID))
	if err != nil {
		return nil, types.Upstreamf(err, "encoding markets")
	}
	return []*types.Message{msg}, nil
}

// OrderReceiptReq returns one order's current stored state.
func (env *Environment) OrderReceiptReq(ctx context.Context, _ *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID types.ChainID
		orderID string
	)
	if err := types.DecodeArgs(args, &chainID, &orderID); err != nil {
		return nil, err
	}
	order, err := env.Store.GetOrder(ctx, chainID, orderID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, types.NotFoundf("order %s on chain %d", orderID, chainID)
		}
		return nil, types.Upstreamf(err, "loading order")
	}
	msg, err := types.NewMessage(types.OpOrderReceipt, order.Tuple())
	if err != nil {
		return nil, types.Upstreamf(err, "encoding receipt")
	}
	return []*types.Message{msg}, nil
}

// FillReceiptReq returns one fill's current stored state.
func (env *Environment) FillReceiptReq(ctx context.Context, _ *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var (
		chainID types.ChainID
		fillID  string
	)
	if err := types.DecodeArgs(args, &chainID, &fillID); err != nil {
		return nil, err
	}
	fill, err := env.Store.GetFill(ctx, chainID, fillID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, types.NotFoundf("fill %s on chain %d", fillID, chainID)
		}
		return nil, types.Upstreamf(err, "loading fill")
	}
	msg, err := types.NewMessage(types.OpFillReceipt, fill.Tuple())
	if err != nil {
		return nil, types.Upstreamf(err, "encoding receipt")
	}
	return []*types.Message{msg}, nil
}

// DailyVolumeReq reports each market's trailing volumes as
// [[market, baseVolume, quoteVolume], ...].
func (env *Environment) DailyVolumeReq(_ context.Context, _ *Caller, args []json.RawMessage) ([]*types.Message, error) {
	var chainID types.ChainID
	if err := types.DecodeArgs(args, &chainID); err != nil {
		return nil, err
	}
	summaries := env.Aggregator.Summaries(chainID)
	tuples := make([][]interface{}, len(summaries))
	for i, s := range summaries {
		tuples[i] = []interface{}{s.Market, s.BaseVolume, s.QuoteVolume}
	}
	msg, err := types.NewMessage(types.OpDailyVolume, tuples)
	if err != nil {
		return nil, types.Upstreamf(err, "encoding volumes")
	}
	return []*types.Message{msg}, nil
}
