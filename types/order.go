package types

import (
	"encoding/json"
	"time"
)

// OrderStatus is the single-letter wire code for an order's lifecycle state.
type OrderStatus string

const (
	OrderOpen        OrderStatus = "o"
	OrderMatched     OrderStatus = "m"
	OrderBroadcasted OrderStatus = "b"
	OrderFilled      OrderStatus = "f"
	OrderRejected    OrderStatus = "r"
	OrderCancelled   OrderStatus = "c"
)

// orderTransitions is the authoritative transition graph. Terminal states
// have no outgoing edges.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderOpen:        {OrderMatched, OrderCancelled, OrderRejected},
	OrderMatched:     {OrderBroadcasted, OrderFilled, OrderRejected},
	OrderBroadcasted: {OrderFilled, OrderRejected},
}

// Valid reports whether the status is a known wire code.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderOpen, OrderMatched, OrderBroadcasted, OrderFilled, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is an allowed lifecycle edge.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the persisted view of a signed, off-chain order. It is created in
// OrderOpen on submission and mutated only by the lifecycle manager.
type Order struct {
	ChainID       ChainID         `json:"chainId"`
	ID            string          `json:"id"`
	Market        string          `json:"market"`
	Side          Side            `json:"side"`
	Price         float64         `json:"price"`
	BaseQuantity  float64         `json:"baseQuantity"`
	QuoteQuantity float64         `json:"quoteQuantity"`
	UserID        string          `json:"userId"`
	Status        OrderStatus     `json:"status"`
	Expires       int64           `json:"expires"`
	Signature     json.RawMessage `json:"signature,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Expired reports whether the order's validUntil deadline is already past.
func (o *Order) Expired(now time.Time) bool {
	return o.Expires > 0 && o.Expires <= now.Unix()
}

// Tuple returns the positional wire representation served to clients in
// "orders" replies. The field order is part of the client protocol and must
// not change.
func (o *Order) Tuple() []interface{} {
	return []interface{}{
		o.ChainID,
		o.ID,
		o.Market,
		o.Side,
		o.Price,
		o.BaseQuantity,
		o.QuoteQuantity,
		o.Expires,
		o.UserID,
		o.Status,
	}
}

// StatusUpdate is one element of an orderstatusupdate batch and of an
// outbound orderstatus broadcast: [chainId, orderId, status, ...extra].
type StatusUpdate struct {
	ChainID ChainID
	OrderID string
	Status  OrderStatus
	TxHash  string
}

// Tuple returns the positional form of the update. TxHash is appended only
// when present, matching observed client traffic.
func (u StatusUpdate) Tuple() []interface{} {
	t := []interface{}{u.ChainID, u.OrderID, u.Status}
	if u.TxHash != "" {
		t = append(t, u.TxHash)
	}
	return t
}
