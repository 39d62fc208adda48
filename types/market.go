package types

import (
	"fmt"
	"strings"
)

// AllMarkets is the sentinel market key accepted by swap-event subscriptions
// to mean every market on the chain.
const AllMarkets = "all"

// ChainID identifies a supported settlement chain.
type ChainID int64

// Side is the order side wire code.
type Side string

const (
	Buy  Side = "b"
	Sell Side = "s"
)

// Valid reports whether the side is a known wire code.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// MarketKey canonicalizes a trading pair so that either submission order of
// the two asset identifiers maps to the same logical market. Assets are
// upper-cased and joined in lexicographic order.
func MarketKey(assetA, assetB string) string {
	a := strings.ToUpper(strings.TrimSpace(assetA))
	b := strings.ToUpper(strings.TrimSpace(assetB))
	if a > b {
		a, b = b, a
	}
	return a + "-" + b
}

// CanonicalMarket normalizes a "BASE-QUOTE" market string to its canonical
// key. It fails on anything that is not exactly two non-empty assets.
func CanonicalMarket(market string) (string, error) {
	parts := strings.Split(market, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("malformed market %q", market)
	}
	return MarketKey(parts[0], parts[1]), nil
}

// MarketInfo describes a tradable market on a chain. The relay treats the
// pair as opaque beyond canonicalization; precision and fee hints are served
// to clients on subscription.
type MarketInfo struct {
	ChainID       ChainID `json:"chainId"`
	Market        string  `json:"market"`
	BaseAsset     string  `json:"baseAsset"`
	QuoteAsset    string  `json:"quoteAsset"`
	PriceDecimals int     `json:"priceDecimals"`
	SizeDecimals  int     `json:"sizeDecimals"`
	MakerFee      float64 `json:"makerFee"`
	TakerFee      float64 `json:"takerFee"`
}

// Markets is the configured set of tradable markets per supported chain,
// keyed by canonical market.
type Markets map[ChainID]map[string]*MarketInfo

// SupportsChain reports whether the chain is served at all.
func (m Markets) SupportsChain(chainID ChainID) bool {
	return len(m[chainID]) > 0
}

// Lookup returns the market's metadata, or a validation error naming
// whichever of the chain or market is unknown.
func (m Markets) Lookup(chainID ChainID, market string) (*MarketInfo, error) {
	byMarket, ok := m[chainID]
	if !ok {
		return nil, Validationf("unsupported chain %d", chainID)
	}
	info, ok := byMarket[market]
	if !ok {
		return nil, Validationf("unknown market %s on chain %d", market, chainID)
	}
	return info, nil
}

// List returns the chain's markets in no particular order.
func (m Markets) List(chainID ChainID) []*MarketInfo {
	infos := make([]*MarketInfo, 0, len(m[chainID]))
	for _, info := range m[chainID] {
		infos = append(infos, info)
	}
	return infos
}

// Chains returns every configured chain id.
func (m Markets) Chains() []ChainID {
	chains := make([]ChainID, 0, len(m))
	for id := range m {
		chains = append(chains, id)
	}
	return chains
}

// MarketSummary is a derived view over trailing fill history. It is never
// authoritative; the aggregator recomputes it from fills.
type MarketSummary struct {
	ChainID     ChainID `json:"chainId"`
	Market      string  `json:"market"`
	LastPrice   float64 `json:"lastPrice"`
	PriceChange float64 `json:"priceChange"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	BaseVolume  float64 `json:"baseVolume"`
	QuoteVolume float64 `json:"quoteVolume"`
}
