package types

import "fmt"

// Bus channel name prefixes. Every channel is scoped by chain so worker
// processes only subscribe to the chains they serve.
const (
	ChannelOrders    = "relay.orders"
	ChannelFills     = "relay.fills"
	ChannelLiquidity = "relay.liquidity"
	ChannelSummaries = "relay.summaries"
)

// ChannelName builds the concrete bus channel for a prefix and chain.
func ChannelName(prefix string, chainID ChainID) string {
	return fmt.Sprintf("%s.%d", prefix, chainID)
}

// OrderEvent fans an accepted lifecycle transition out to every worker
// process. Fill is set when the transition touched the matched leg.
type OrderEvent struct {
	Order *Order `json:"order"`
	Fill  *Fill  `json:"fill,omitempty"`
}

// LiquidityEvent fans out the refreshed aggregate book of one market.
type LiquidityEvent struct {
	ChainID ChainID          `json:"chainId"`
	Market  string           `json:"market"`
	Levels  []LiquidityLevel `json:"levels"`
}

// SummaryEvent fans out a recomputed market summary.
type SummaryEvent struct {
	Summary *MarketSummary `json:"summary"`
}
