package types

import "time"

// FillStatus mirrors the order lifecycle for the matched leg.
type FillStatus = OrderStatus

// Fill records a claimed match between a taker and a maker order. It is
// created exactly once when the claim succeeds; subsequent transitions refine
// price, fee and tx hash but never the maker/taker identities.
type Fill struct {
	ID          string     `json:"id"`
	ChainID     ChainID    `json:"chainId"`
	Market      string     `json:"market"`
	OrderID     string     `json:"orderId"`
	Side        Side       `json:"side"`
	Price       float64    `json:"price"`
	BaseVolume  float64    `json:"baseVolume"`
	QuoteVolume float64    `json:"quoteVolume"`
	Status      FillStatus `json:"status"`
	TxHash      string     `json:"txHash"`
	TakerID     string     `json:"takerId"`
	MakerID     string     `json:"makerId"`
	FeeAmount   float64    `json:"feeAmount"`
	FeeToken    string     `json:"feeToken"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Tuple returns the positional wire representation used by "fills" replies
// and fillstatus broadcasts. The field order is part of the client protocol.
func (f *Fill) Tuple() []interface{} {
	return []interface{}{
		f.ChainID,
		f.ID,
		f.Market,
		f.Side,
		f.Price,
		f.BaseVolume,
		f.Status,
		f.TxHash,
		f.TakerID,
		f.MakerID,
		f.FeeAmount,
		f.FeeToken,
		f.CreatedAt.Unix(),
	}
}
