package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tradeweave/relay/types"
)

type orderKey struct {
	chainID types.ChainID
	orderID string
}

// Memory is an in-process Store with the exact atomic semantics of the
// PostgreSQL backend: a claim or guarded transition checks and writes under
// one lock acquisition. It backs tests and the race-condition properties the
// lifecycle depends on.
type Memory struct {
	mtx    sync.Mutex
	nextID int64
	orders map[orderKey]*types.Order
	fills  map[orderKey]*types.Fill // keyed by (chain, fillID)
	now    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nextID: 1,
		orders: make(map[orderKey]*types.Order),
		fills:  make(map[orderKey]*types.Fill),
		now:    time.Now,
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) CreateOrder(ctx context.Context, order *types.Order) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	order.ID = strconv.FormatInt(s.nextID, 10)
	s.nextID++
	order.Status = types.OrderOpen
	order.CreatedAt = s.now()

	cp := *order
	s.orders[orderKey{order.ChainID, order.ID}] = &cp
	return nil
}

func (s *Memory) GetOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Order, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.getOrderLocked(chainID, orderID)
}

func (s *Memory) getOrderLocked(chainID types.ChainID, orderID string) (*types.Order, error) {
	o, ok := s.orders[orderKey{chainID, orderID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Memory) OpenOrders(ctx context.Context, chainID types.ChainID, market string) ([]*types.Order, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var out []*types.Order
	for _, o := range s.orders {
		if o.ChainID == chainID && o.Market == market && o.Status == types.OrderOpen {
			cp := *o
			out = append(out, &cp)
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *Memory) OrdersByUser(ctx context.Context, chainID types.ChainID, userID string, limit int) ([]*types.Order, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var out []*types.Order
	for _, o := range s.orders {
		if o.ChainID == chainID && o.UserID == userID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sortOrders(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) ClaimOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Order, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	o, ok := s.orders[orderKey{chainID, orderID}]
	if !ok {
		return nil, false, ErrNotFound
	}
	if o.Status != types.OrderOpen {
		return nil, false, nil
	}
	o.Status = types.OrderMatched
	cp := *o
	return &cp, true, nil
}

func (s *Memory) UpdateOrderStatus(ctx context.Context, chainID types.ChainID, orderID string, to types.OrderStatus) (*types.Order, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	o, ok := s.orders[orderKey{chainID, orderID}]
	if !ok {
		return nil, ErrNotFound
	}
	if !o.Status.CanTransition(to) {
		return nil, ErrInvalidTransition
	}
	o.Status = to
	cp := *o
	return &cp, nil
}

func (s *Memory) CancelOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Order, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	o, ok := s.orders[orderKey{chainID, orderID}]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != types.OrderOpen {
		return nil, ErrInvalidTransition
	}
	o.Status = types.OrderCancelled
	cp := *o
	return &cp, nil
}

func (s *Memory) OpenOrderIDsByUser(ctx context.Context, chainID types.ChainID, userID string) ([]string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var ids []string
	for _, o := range s.orders {
		if o.ChainID == chainID && o.UserID == userID && o.Status == types.OrderOpen {
			ids = append(ids, o.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Memory) CreateFill(ctx context.Context, fill *types.Fill) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	fill.CreatedAt = s.now()
	cp := *fill
	s.fills[orderKey{fill.ChainID, fill.ID}] = &cp
	return nil
}

func (s *Memory) GetFill(ctx context.Context, chainID types.ChainID, fillID string) (*types.Fill, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	f, ok := s.fills[orderKey{chainID, fillID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *Memory) FillByOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Fill, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var newest *types.Fill
	for _, f := range s.fills {
		if f.ChainID == chainID && f.OrderID == orderID {
			if newest == nil || f.CreatedAt.After(newest.CreatedAt) {
				newest = f
			}
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (s *Memory) UpdateFillStatus(ctx context.Context, chainID types.ChainID, fillID string, status types.FillStatus, txHash string) (*types.Fill, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	f, ok := s.fills[orderKey{chainID, fillID}]
	if !ok {
		return nil, ErrNotFound
	}
	f.Status = status
	if txHash != "" {
		f.TxHash = txHash
	}
	cp := *f
	return &cp, nil
}

func (s *Memory) FinalizeFill(ctx context.Context, chainID types.ChainID, fillID string, price, feeAmount float64, feeToken string) (*types.Fill, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	f, ok := s.fills[orderKey{chainID, fillID}]
	if !ok {
		return nil, ErrNotFound
	}
	f.Status = types.OrderFilled
	f.Price = price
	f.QuoteVolume = f.BaseVolume * price
	f.FeeAmount = feeAmount
	f.FeeToken = feeToken
	cp := *f
	return &cp, nil
}

func (s *Memory) FillsByUser(ctx context.Context, chainID types.ChainID, userID string, limit int) ([]*types.Fill, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var out []*types.Fill
	for _, f := range s.fills {
		if f.ChainID == chainID && (f.TakerID == userID || f.MakerID == userID) {
			cp := *f
			out = append(out, &cp)
		}
	}
	sortFills(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) FillsByMarketSince(ctx context.Context, chainID types.ChainID, market string, since time.Time) ([]*types.Fill, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var out []*types.Fill
	for _, f := range s.fills {
		if f.ChainID == chainID && f.Market == market && !f.CreatedAt.Before(since) {
			cp := *f
			out = append(out, &cp)
		}
	}
	sortFills(out)
	return out, nil
}

// SetNow overrides the clock for window tests.
func (s *Memory) SetNow(now func() time.Time) {
	s.mtx.Lock()
	s.now = now
	s.mtx.Unlock()
}

func sortOrders(orders []*types.Order) {
	sort.Slice(orders, func(i, j int) bool {
		a, _ := strconv.ParseInt(orders[i].ID, 10, 64)
		b, _ := strconv.ParseInt(orders[j].ID, 10, 64)
		return a > b
	})
}

func sortFills(fills []*types.Fill) {
	sort.Slice(fills, func(i, j int) bool {
		return fills[i].CreatedAt.After(fills[j].CreatedAt)
	})
}
