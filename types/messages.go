package types

import (
	"encoding/json"
	"fmt"
)

// Inbound operation names. The router's handler table is keyed by these.
const (
	OpLogin             = "login"
	OpSubscribeMarket   = "subscribemarket"
	OpUnsubscribeMarket = "unsubscribemarket"
	OpSubmitOrder       = "submitorder"
	OpSubmitOrder2      = "submitorder2"
	OpSubmitOrder3      = "submitorder3"
	OpCancelOrder       = "cancelorder"
	OpCancelOrder2      = "cancelorder2"
	OpCancelOrder3      = "cancelorder3"
	OpCancelAll         = "cancelall"
	OpFillRequest       = "fillrequest"
	OpOrderStatusUpdate = "orderstatusupdate"
	OpIndicateLiq       = "indicateliq2"
	OpRequestQuote      = "requestquote"
	OpMarketsReq        = "marketsreq"
	OpOrderReceiptReq   = "orderreceiptreq"
	OpFillReceiptReq    = "fillreceiptreq"
	OpDailyVolumeReq    = "dailyvolumereq"
)

// Outbound operation names.
const (
	OpOrderStatus   = "orderstatus"
	OpFillStatus    = "fillstatus"
	OpLastPrice     = "lastprice"
	OpLiquidity     = "liquidity2"
	OpMarketInfo    = "marketinfo"
	OpMarketSummary = "marketsummary"
	OpUserOrderAck  = "userorderack"
	OpOrders        = "orders"
	OpFills         = "fills"
	OpQuote         = "quote"
	OpMarkets       = "markets"
	OpOrderReceipt  = "orderreceipt"
	OpFillReceipt   = "fillreceipt"
	OpDailyVolume   = "dailyvolume"
	OpCancelAck     = "cancelorderack"
	OpError         = "error"
)

// Message is the wire envelope exchanged with clients in both directions:
// a named operation plus a positional, ordered argument list.
type Message struct {
	Op   string            `json:"op"`
	Args []json.RawMessage `json:"args"`
}

// NewMessage marshals each argument in order into a Message.
func NewMessage(op string, args ...interface{}) (*Message, error) {
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("marshal %s arg %d: %w", op, i, err)
		}
		raw[i] = b
	}
	return &Message{Op: op, Args: raw}, nil
}

// mustMessage is for outbound messages built from relay-owned types, whose
// marshaling cannot fail.
func mustMessage(op string, args ...interface{}) *Message {
	msg, err := NewMessage(op, args...)
	if err != nil {
		panic(err)
	}
	return msg
}

// DecodeArgs unmarshals exactly len(dst) positional arguments. A count
// mismatch or a per-argument decode failure is a validation error.
func DecodeArgs(args []json.RawMessage, dst ...interface{}) error {
	if len(args) != len(dst) {
		return Validationf("expected %d args, got %d", len(dst), len(args))
	}
	for i, d := range dst {
		if err := json.Unmarshal(args[i], d); err != nil {
			return Validationf("arg %d: %v", i, err)
		}
	}
	return nil
}

// ErrorMessage converts err into the outbound error reply:
// ["error", [origOp, kind, message]]. Conflicts append the remaining lock TTL
// in whole seconds so callers know how long to wait.
func ErrorMessage(err error) *Message {
	re, ok := err.(*Error)
	if !ok {
		re = &Error{Kind: KindUpstream, Err: err}
	}
	msg := re.Msg
	if msg == "" && re.Err != nil {
		msg = re.Err.Error()
	}
	if re.Kind == KindConflict && re.Remaining > 0 {
		return mustMessage(OpError, re.Op, re.Kind.String(), msg, int64(re.Remaining.Seconds()))
	}
	return mustMessage(OpError, re.Op, re.Kind.String(), msg)
}

// OrderStatusMessage broadcasts a batch of lifecycle transitions:
// ["orderstatus", [[chainId, orderId, status, ...], ...]].
func OrderStatusMessage(updates ...StatusUpdate) *Message {
	tuples := make([][]interface{}, len(updates))
	for i, u := range updates {
		tuples[i] = u.Tuple()
	}
	return mustMessage(OpOrderStatus, tuples)
}

// FillStatusMessage broadcasts fill transitions as positional tuples.
func FillStatusMessage(fills ...*Fill) *Message {
	tuples := make([][]interface{}, len(fills))
	for i, f := range fills {
		tuples[i] = f.Tuple()
	}
	return mustMessage(OpFillStatus, tuples)
}

// LastPriceMessage broadcasts [market, lastPrice, priceChange] triples for a
// chain.
func LastPriceMessage(chainID ChainID, summaries ...*MarketSummary) *Message {
	tuples := make([][]interface{}, len(summaries))
	for i, s := range summaries {
		tuples[i] = []interface{}{s.Market, s.LastPrice, s.PriceChange}
	}
	return mustMessage(OpLastPrice, tuples, chainID)
}

// LiquidityMessage broadcasts the aggregate liquidity book of one market.
func LiquidityMessage(chainID ChainID, market string, levels []LiquidityLevel) *Message {
	return mustMessage(OpLiquidity, chainID, market, levels)
}

// MarketSummaryMessage carries the derived 24h view of one market:
// [chainId, market, lastPrice, priceChange, high, low, baseVolume, quoteVolume].
func MarketSummaryMessage(s *MarketSummary) *Message {
	return mustMessage(OpMarketSummary,
		s.ChainID, s.Market, s.LastPrice, s.PriceChange, s.High, s.Low, s.BaseVolume, s.QuoteVolume)
}

// MarketInfoMessage carries static market metadata on subscription.
func MarketInfoMessage(info *MarketInfo) *Message {
	return mustMessage(OpMarketInfo, info)
}

// OrdersMessage lists orders as positional tuples.
func OrdersMessage(orders []*Order) *Message {
	tuples := make([][]interface{}, len(orders))
	for i, o := range orders {
		tuples[i] = o.Tuple()
	}
	return mustMessage(OpOrders, tuples)
}

// FillsMessage lists fills as positional tuples.
func FillsMessage(fills []*Fill) *Message {
	tuples := make([][]interface{}, len(fills))
	for i, f := range fills {
		tuples[i] = f.Tuple()
	}
	return mustMessage(OpFills, tuples)
}

// UserOrderAckMessage acknowledges a submission with the assigned order id.
func UserOrderAckMessage(o *Order) *Message {
	return mustMessage(OpUserOrderAck, o.Tuple())
}

// QuoteMessage replies to requestquote:
// [chainId, market, side, baseQuantity, price, quoteQuantity].
func QuoteMessage(chainID ChainID, market string, side Side, baseQty, price, quoteQty float64) *Message {
	return mustMessage(OpQuote, chainID, market, side, baseQty, price, quoteQty)
}
