// Package store is the authoritative persistence layer for orders and fills.
// All cross-process correctness rests on its atomic check-and-transition
// primitives: claiming an order and guarding a status transition are single
// conditional writes, never a read followed by a write.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tradeweave/relay/types"
)

var (
	// ErrNotFound is returned when the referenced order or fill does not
	// exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidTransition is returned when a guarded status write finds
	// the row in a state the transition graph does not allow as a source.
	// The stored row is left untouched.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Store is the shared persistent backend. Every worker process points at the
// same instance; in-memory state in any single process is never trusted for
// order or fill status.
type Store interface {
	// CreateOrder persists a new order in OrderOpen and assigns its ID,
	// unique within the order's chain.
	CreateOrder(ctx context.Context, order *types.Order) error

	// GetOrder fetches one order.
	GetOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Order, error)

	// OpenOrders lists open orders for a market.
	OpenOrders(ctx context.Context, chainID types.ChainID, market string) ([]*types.Order, error)

	// OrdersByUser lists a user's most recent orders.
	OrdersByUser(ctx context.Context, chainID types.ChainID, userID string, limit int) ([]*types.Order, error)

	// ClaimOrder atomically transitions an order from open to matched.
	// The second result is false when the order exists but was no longer
	// open, i.e. the claim lost the race.
	ClaimOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Order, bool, error)

	// UpdateOrderStatus applies a transition guarded by the lifecycle
	// graph and returns the updated order. ErrInvalidTransition when the
	// stored status does not admit the move.
	UpdateOrderStatus(ctx context.Context, chainID types.ChainID, orderID string, to types.OrderStatus) (*types.Order, error)

	// CancelOrder transitions an order from open to cancelled. Any other
	// stored status yields ErrInvalidTransition with no mutation.
	CancelOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Order, error)

	// OpenOrderIDsByUser lists ids of a user's open orders, for cancelall.
	OpenOrderIDsByUser(ctx context.Context, chainID types.ChainID, userID string) ([]string, error)

	// CreateFill persists a new fill.
	CreateFill(ctx context.Context, fill *types.Fill) error

	// GetFill fetches one fill.
	GetFill(ctx context.Context, chainID types.ChainID, fillID string) (*types.Fill, error)

	// FillByOrder fetches the fill referencing an order as its maker leg.
	FillByOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Fill, error)

	// UpdateFillStatus moves a fill's status and records the settlement tx
	// hash when present.
	UpdateFillStatus(ctx context.Context, chainID types.ChainID, fillID string, status types.FillStatus, txHash string) (*types.Fill, error)

	// FinalizeFill records the final price and fee reported by settlement.
	FinalizeFill(ctx context.Context, chainID types.ChainID, fillID string, price, feeAmount float64, feeToken string) (*types.Fill, error)

	// FillsByUser lists a user's most recent fills.
	FillsByUser(ctx context.Context, chainID types.ChainID, userID string, limit int) ([]*types.Fill, error)

	// FillsByMarketSince lists a market's fills newer than the cutoff,
	// newest first. The aggregator recomputes summaries from this, never
	// from incremental state.
	FillsByMarketSince(ctx context.Context, chainID types.ChainID, market string, since time.Time) ([]*types.Fill, error)

	Close() error
}

// transitionSources inverts the lifecycle graph: the statuses a guarded
// write may move from, per target.
func transitionSources(to types.OrderStatus) []types.OrderStatus {
	var from []types.OrderStatus
	for _, src := range []types.OrderStatus{types.OrderOpen, types.OrderMatched, types.OrderBroadcasted} {
		if src.CanTransition(to) {
			from = append(from, src)
		}
	}
	return from
}
