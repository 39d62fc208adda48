// Package lifecycle drives the order state machine. Every mutation of an
// order or fill flows through the Manager, which delegates the atomic
// check-and-transition to the store, holds maker exclusivity through the
// coordinator, and fans accepted transitions out on the bus. The Manager
// itself keeps no order state; any worker process can serve any operation.
package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tradeweave/relay/bus"
	"github.com/tradeweave/relay/exclusivity"
	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/store"
	"github.com/tradeweave/relay/types"
)

// DefaultOpTimeout bounds every store and bus call so a slow dependency
// degrades one request visibly instead of stalling the process.
const DefaultOpTimeout = 10 * time.Second

// SignatureVerifier validates signed orders and cancellations. The
// cryptographic scheme lives behind this boundary; the Manager only compares
// the recovered signer against the claimed owner.
type SignatureVerifier interface {
	// VerifyOrder checks the order's signature material and returns the
	// signer's user id.
	VerifyOrder(ctx context.Context, order *types.Order) (string, error)

	// VerifyCancel checks a signed cancellation of one order and returns
	// the signer's user id.
	VerifyCancel(ctx context.Context, chainID types.ChainID, orderID string, sig json.RawMessage) (string, error)
}

// Manager owns every order and fill transition.
type Manager struct {
	store    store.Store
	locks    *exclusivity.Coordinator
	bus      bus.Bus
	verifier SignatureVerifier
	markets  types.Markets
	logger   log.Logger

	opTimeout           time.Duration
	releaseLockOnReject bool
	now                 func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithOpTimeout overrides the per-call store/bus timeout.
func WithOpTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.opTimeout = d
		}
	}
}

// WithHoldLockOnReject keeps the maker's exclusivity lock until TTL expiry
// when a fill is rejected, rather than releasing it immediately. The default
// releases on rejection so the maker's other orders stay matchable.
func WithHoldLockOnReject() Option {
	return func(m *Manager) { m.releaseLockOnReject = false }
}

// WithClock overrides the clock for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager over the shared backends.
func New(st store.Store, locks *exclusivity.Coordinator, b bus.Bus, verifier SignatureVerifier, markets types.Markets, logger log.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:               st,
		locks:               locks,
		bus:                 b,
		verifier:            verifier,
		markets:             markets,
		logger:              logger,
		opTimeout:           DefaultOpTimeout,
		releaseLockOnReject: true,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Markets exposes the configured market set for read-only handlers.
func (m *Manager) Markets() types.Markets { return m.markets }

// Submit validates and persists a new order in the open state. The assigned
// id is written back onto the order.
func (m *Manager) Submit(ctx context.Context, order *types.Order) (*types.Order, error) {
	if err := m.validateSubmission(order); err != nil {
		return nil, err
	}
	signer, err := m.verifier.VerifyOrder(ctx, order)
	if err != nil {
		return nil, types.Unauthorizedf("order signature: %v", err)
	}
	if signer != order.UserID {
		return nil, types.Unauthorizedf("signer %s is not the order owner", signer)
	}

	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	if err := m.store.CreateOrder(ctx, order); err != nil {
		return nil, types.Upstreamf(err, "persisting order")
	}

	m.logger.Info("order submitted",
		"chain", order.ChainID, "order", order.ID, "market", order.Market, "user", order.UserID)
	m.publishOrder(ctx, order, nil)
	return order, nil
}

func (m *Manager) validateSubmission(order *types.Order) error {
	market, err := types.CanonicalMarket(order.Market)
	if err != nil {
		return types.Validationf("%v", err)
	}
	order.Market = market
	if _, err := m.markets.Lookup(order.ChainID, market); err != nil {
		return err
	}
	if !order.Side.Valid() {
		return types.Validationf("invalid side %q", order.Side)
	}
	if order.Price <= 0 || order.BaseQuantity <= 0 || order.QuoteQuantity <= 0 {
		return types.Validationf("price and quantities must be positive")
	}
	if order.UserID == "" {
		return types.Validationf("missing user id")
	}
	if order.Expired(m.now()) {
		return types.Validationf("order expired at %d", order.Expires)
	}
	return nil
}

// Match claims an open maker order for the taker. The claim is one atomic
// check-and-set in the store; losing it yields a conflict with nothing
// mutated. A successful claim creates the fill and then requests maker
// exclusivity. If the maker's lock is already held the claim still stands,
// and the conflict propagates so the taker learns settlement may wait on the
// maker's in-flight fill.
func (m *Manager) Match(ctx context.Context, chainID types.ChainID, orderID string, taker *types.Order) (*types.Order, *types.Fill, error) {
	if taker.UserID == "" {
		return nil, nil, types.Validationf("missing taker user id")
	}
	signer, err := m.verifier.VerifyOrder(ctx, taker)
	if err != nil {
		return nil, nil, types.Unauthorizedf("taker signature: %v", err)
	}
	if signer != taker.UserID {
		return nil, nil, types.Unauthorizedf("signer %s is not the taker", signer)
	}

	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	order, claimed, err := m.store.ClaimOrder(ctx, chainID, orderID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil, types.NotFoundf("order %s on chain %d", orderID, chainID)
		}
		return nil, nil, types.Upstreamf(err, "claiming order")
	}
	if !claimed {
		return nil, nil, types.Conflictf(0, "order %s already claimed", orderID)
	}
	if taker.Market != "" && taker.Market != order.Market {
		// Claim already happened; the mismatch is the taker's, and the
		// order must not be stranded in matched. Surface loudly.
		m.logger.Error("fill request market mismatch",
			"chain", chainID, "order", orderID, "got", taker.Market, "want", order.Market)
	}

	fill := &types.Fill{
		ID:          uuid.NewString(),
		ChainID:     chainID,
		Market:      order.Market,
		OrderID:     order.ID,
		Side:        order.Side.Opposite(),
		Price:       order.Price,
		BaseVolume:  order.BaseQuantity,
		QuoteVolume: order.QuoteQuantity,
		Status:      types.OrderMatched,
		TakerID:     taker.UserID,
		MakerID:     order.UserID,
	}
	if err := m.store.CreateFill(ctx, fill); err != nil {
		return nil, nil, types.Upstreamf(err, "persisting fill")
	}

	m.logger.Info("order matched",
		"chain", chainID, "order", order.ID, "fill", fill.ID,
		"maker", fill.MakerID, "taker", fill.TakerID)
	m.publishOrder(ctx, order, fill)

	if err := m.locks.Acquire(ctx, chainID, order.UserID); err != nil {
		return order, fill, err
	}
	return order, fill, nil
}

// ConfirmBroadcast records that settlement transmitted the matched order
// on-chain, moving both the order and its fill to broadcasted.
func (m *Manager) ConfirmBroadcast(ctx context.Context, chainID types.ChainID, orderID, txHash string) (*types.Order, *types.Fill, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	order, err := m.transition(ctx, chainID, orderID, types.OrderBroadcasted)
	if err != nil {
		return nil, nil, err
	}
	fill, err := m.fillTransition(ctx, chainID, orderID, types.OrderBroadcasted, txHash)
	if err != nil {
		return nil, nil, err
	}

	m.logger.Info("broadcast confirmed", "chain", chainID, "order", orderID, "txhash", txHash)
	m.publishOrder(ctx, order, fill)
	return order, fill, nil
}

// ApplyStatusUpdates processes a settlement-reported batch. Each update is
// applied independently; a failed element is logged and reported without
// blocking the rest of the batch.
func (m *Manager) ApplyStatusUpdates(ctx context.Context, updates []types.StatusUpdate) error {
	var firstErr error
	for _, u := range updates {
		if err := m.applyStatusUpdate(ctx, u); err != nil {
			m.logger.Error("status update failed",
				"chain", u.ChainID, "order", u.OrderID, "status", u.Status, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) applyStatusUpdate(ctx context.Context, u types.StatusUpdate) error {
	switch u.Status {
	case types.OrderBroadcasted:
		_, _, err := m.ConfirmBroadcast(ctx, u.ChainID, u.OrderID, u.TxHash)
		return err
	case types.OrderFilled:
		return m.finalize(ctx, u.ChainID, u.OrderID, u.TxHash)
	case types.OrderRejected:
		return m.reject(ctx, u.ChainID, u.OrderID, u.TxHash)
	default:
		return types.Validationf("status %q is not settlement-reportable", u.Status)
	}
}

// finalize applies a terminal filled outcome: the order and fill move to
// filled, the fill's price and volumes are fixed, the maker's lock is
// released, and the finalized fill feeds the summary recompute.
func (m *Manager) finalize(ctx context.Context, chainID types.ChainID, orderID, txHash string) error {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	order, err := m.transition(ctx, chainID, orderID, types.OrderFilled)
	if err != nil {
		return err
	}
	fill, err := m.fillTransition(ctx, chainID, orderID, types.OrderFilled, txHash)
	if err != nil {
		return err
	}
	fill, err = m.store.FinalizeFill(ctx, chainID, fill.ID, fill.Price, fill.FeeAmount, fill.FeeToken)
	if err != nil {
		return types.Upstreamf(err, "finalizing fill")
	}

	m.releaseLock(ctx, chainID, order.UserID)
	m.logger.Info("order filled", "chain", chainID, "order", orderID, "fill", fill.ID)
	m.publishOrder(ctx, order, fill)
	m.publishFill(ctx, fill)
	return nil
}

// reject applies a terminal rejected outcome. Whether the relay treats a
// rejected order as retryable is outside this state machine; here rejected
// is terminal and only the lock policy varies.
func (m *Manager) reject(ctx context.Context, chainID types.ChainID, orderID, txHash string) error {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	order, err := m.transition(ctx, chainID, orderID, types.OrderRejected)
	if err != nil {
		return err
	}
	fill, err := m.fillTransition(ctx, chainID, orderID, types.OrderRejected, txHash)
	if err != nil && types.KindOf(err) != types.KindNotFound {
		return err
	}

	if m.releaseLockOnReject {
		m.releaseLock(ctx, chainID, order.UserID)
	}
	m.logger.Info("order rejected", "chain", chainID, "order", orderID)
	m.publishOrder(ctx, order, fill)
	return nil
}

// Cancel transitions an order from open to cancelled. The requester is
// authenticated either by the connection's logged-in identity or by a signed
// cancellation; either way the identity must match the order's owner.
// Cancelling a non-open order is refused without mutation.
func (m *Manager) Cancel(ctx context.Context, chainID types.ChainID, orderID, requesterID string, sig json.RawMessage) (*types.Order, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	order, err := m.store.GetOrder(ctx, chainID, orderID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, types.NotFoundf("order %s on chain %d", orderID, chainID)
		}
		return nil, types.Upstreamf(err, "loading order")
	}

	if len(sig) > 0 {
		signer, err := m.verifier.VerifyCancel(ctx, chainID, orderID, sig)
		if err != nil {
			return nil, types.Unauthorizedf("cancel signature: %v", err)
		}
		requesterID = signer
	}
	if requesterID == "" {
		return nil, types.Unauthorizedf("cancellation requires login or a signed request")
	}
	if requesterID != order.UserID {
		return nil, types.Unauthorizedf("order %s is not owned by %s", orderID, requesterID)
	}

	cancelled, err := m.store.CancelOrder(ctx, chainID, orderID)
	if err != nil {
		if err == store.ErrInvalidTransition {
			return nil, types.Validationf("order %s is %s, only open orders can be cancelled", orderID, order.Status)
		}
		return nil, types.Upstreamf(err, "cancelling order")
	}

	m.logger.Info("order cancelled", "chain", chainID, "order", orderID, "user", requesterID)
	m.publishOrder(ctx, cancelled, nil)
	return cancelled, nil
}

// CancelAll cancels every open order the user has on the chain and returns
// the ids it cancelled. Orders claimed between listing and cancelling are
// skipped.
func (m *Manager) CancelAll(ctx context.Context, chainID types.ChainID, userID string) ([]string, error) {
	if userID == "" {
		return nil, types.Unauthorizedf("cancelall requires login")
	}

	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	ids, err := m.store.OpenOrderIDsByUser(ctx, chainID, userID)
	if err != nil {
		return nil, types.Upstreamf(err, "listing open orders")
	}

	cancelled := make([]string, 0, len(ids))
	for _, id := range ids {
		order, err := m.store.CancelOrder(ctx, chainID, id)
		if err != nil {
			if err == store.ErrInvalidTransition || err == store.ErrNotFound {
				continue
			}
			return cancelled, types.Upstreamf(err, "cancelling order %s", id)
		}
		cancelled = append(cancelled, id)
		m.publishOrder(ctx, order, nil)
	}

	m.logger.Info("orders cancelled", "chain", chainID, "user", userID, "count", len(cancelled))
	return cancelled, nil
}

// transition applies a graph-guarded order status write.
func (m *Manager) transition(ctx context.Context, chainID types.ChainID, orderID string, to types.OrderStatus) (*types.Order, error) {
	order, err := m.store.UpdateOrderStatus(ctx, chainID, orderID, to)
	if err != nil {
		switch err {
		case store.ErrNotFound:
			return nil, types.NotFoundf("order %s on chain %d", orderID, chainID)
		case store.ErrInvalidTransition:
			return nil, types.Validationf("order %s cannot move to %s", orderID, to)
		}
		return nil, types.Upstreamf(err, "updating order status")
	}
	return order, nil
}

// fillTransition moves the order's fill along with it.
func (m *Manager) fillTransition(ctx context.Context, chainID types.ChainID, orderID string, to types.FillStatus, txHash string) (*types.Fill, error) {
	fill, err := m.store.FillByOrder(ctx, chainID, orderID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, types.NotFoundf("fill for order %s", orderID)
		}
		return nil, types.Upstreamf(err, "loading fill")
	}
	fill, err = m.store.UpdateFillStatus(ctx, chainID, fill.ID, to, txHash)
	if err != nil {
		return nil, types.Upstreamf(err, "updating fill status")
	}
	return fill, nil
}

func (m *Manager) releaseLock(ctx context.Context, chainID types.ChainID, makerID string) {
	if err := m.locks.Release(ctx, chainID, makerID); err != nil {
		m.logger.Error("releasing maker lock", "chain", chainID, "maker", makerID, "err", err)
	}
}

// publishOrder fans an accepted transition out to every worker process. The
// store already holds the authoritative state, so a publish failure is
// logged and the operation still succeeds; consumers needing durability
// re-read the store.
func (m *Manager) publishOrder(ctx context.Context, order *types.Order, fill *types.Fill) {
	payload, err := json.Marshal(types.OrderEvent{Order: order, Fill: fill})
	if err != nil {
		m.logger.Error("encoding order event", "order", order.ID, "err", err)
		return
	}
	channel := types.ChannelName(types.ChannelOrders, order.ChainID)
	if err := m.bus.Publish(ctx, channel, payload); err != nil {
		m.logger.Error("publishing order event", "channel", channel, "order", order.ID, "err", err)
	}
}

// publishFill feeds finalized fills to the aggregator's recompute.
func (m *Manager) publishFill(ctx context.Context, fill *types.Fill) {
	payload, err := json.Marshal(fill)
	if err != nil {
		m.logger.Error("encoding fill event", "fill", fill.ID, "err", err)
		return
	}
	channel := types.ChannelName(types.ChannelFills, fill.ChainID)
	if err := m.bus.Publish(ctx, channel, payload); err != nil {
		m.logger.Error("publishing fill event", "channel", channel, "fill", fill.ID, "err", err)
	}
}

func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opTimeout)
}
