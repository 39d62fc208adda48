package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tradeweave/relay/bus"
	"github.com/tradeweave/relay/kv"
	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/types"
)

// DefaultIndicationTTL is how long a liquidity indication survives without a
// refresh. Market makers re-indicate continuously; a maker that goes silent
// ages out of the book on its own.
const DefaultIndicationTTL = 60 * time.Second

// LiquidityBook holds indicative liquidity in the shared key-value store so
// every worker process sees one book per market. Entries are keyed per
// indicating connection, last write wins, and expire on the indication TTL.
type LiquidityBook struct {
	store  kv.Store
	bus    bus.Bus
	logger log.Logger
	ttl    time.Duration
}

// BookOption configures a LiquidityBook.
type BookOption func(*LiquidityBook)

// WithIndicationTTL overrides the per-entry expiry.
func WithIndicationTTL(ttl time.Duration) BookOption {
	return func(b *LiquidityBook) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// NewLiquidityBook creates a book over the shared store.
func NewLiquidityBook(store kv.Store, b bus.Bus, logger log.Logger, opts ...BookOption) *LiquidityBook {
	book := &LiquidityBook{
		store:  store,
		bus:    b,
		logger: logger,
		ttl:    DefaultIndicationTTL,
	}
	for _, opt := range opts {
		opt(book)
	}
	return book
}

// Indicate replaces the connection's standing indication for one market and
// fans the refreshed aggregate book out on the bus.
func (b *LiquidityBook) Indicate(ctx context.Context, ind *types.LiquidityIndication) error {
	if len(ind.Levels) == 0 {
		return types.Validationf("empty liquidity indication")
	}
	market, err := types.CanonicalMarket(ind.Market)
	if err != nil {
		return types.Validationf("%v", err)
	}

	payload, err := json.Marshal(ind.Levels)
	if err != nil {
		return types.Validationf("encoding levels: %v", err)
	}
	key := liqKey(ind.ChainID, market, ind.ConnectionID)
	if err := b.store.Set(ctx, key, string(payload), b.ttl); err != nil {
		return types.Upstreamf(err, "storing liquidity indication")
	}

	b.publish(ctx, ind.ChainID, market)
	return nil
}

// Aggregate merges all live indications for a market into one book: buys
// best-price-first descending, then sells ascending, equal prices combined.
func (b *LiquidityBook) Aggregate(ctx context.Context, chainID types.ChainID, market string) ([]types.LiquidityLevel, error) {
	entries, err := b.store.Scan(ctx, liqPrefix(chainID, market))
	if err != nil {
		return nil, types.Upstreamf(err, "scanning liquidity book")
	}

	type priceKey struct {
		side  types.Side
		price float64
	}
	merged := make(map[priceKey]float64)
	for key, raw := range entries {
		var levels []types.LiquidityLevel
		if err := json.Unmarshal([]byte(raw), &levels); err != nil {
			b.logger.Error("bad liquidity entry", "key", key, "err", err)
			continue
		}
		for _, lvl := range levels {
			merged[priceKey{lvl.Side, lvl.Price}] += lvl.Quantity
		}
	}

	book := make([]types.LiquidityLevel, 0, len(merged))
	for pk, qty := range merged {
		book = append(book, types.LiquidityLevel{Side: pk.side, Price: pk.price, Quantity: qty})
	}
	sort.Slice(book, func(i, j int) bool {
		if book[i].Side != book[j].Side {
			return book[i].Side == types.Buy
		}
		if book[i].Side == types.Buy {
			return book[i].Price > book[j].Price
		}
		return book[i].Price < book[j].Price
	})
	return book, nil
}

// DropConnection removes every indication a disconnected connection left
// behind and republishes the affected markets.
func (b *LiquidityBook) DropConnection(ctx context.Context, chainID types.ChainID, connID string) {
	entries, err := b.store.Scan(ctx, fmt.Sprintf("liq.%d.", chainID))
	if err != nil {
		b.logger.Error("scanning liquidity book on disconnect", "conn", connID, "err", err)
		return
	}

	suffix := "." + connID
	markets := make(map[string]struct{})
	var stale []string
	for key := range entries {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		stale = append(stale, key)
		// liq.<chain>.<market>.<connID>
		parts := strings.Split(key, ".")
		if len(parts) == 4 {
			markets[parts[2]] = struct{}{}
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := b.store.Del(ctx, stale...); err != nil {
		b.logger.Error("dropping liquidity entries", "conn", connID, "err", err)
		return
	}
	for market := range markets {
		b.publish(ctx, chainID, market)
	}
}

func (b *LiquidityBook) publish(ctx context.Context, chainID types.ChainID, market string) {
	book, err := b.Aggregate(ctx, chainID, market)
	if err != nil {
		b.logger.Error("aggregating liquidity", "chain", chainID, "market", market, "err", err)
		return
	}
	payload, err := json.Marshal(types.LiquidityEvent{ChainID: chainID, Market: market, Levels: book})
	if err != nil {
		b.logger.Error("encoding liquidity event", "market", market, "err", err)
		return
	}
	channel := types.ChannelName(types.ChannelLiquidity, chainID)
	if err := b.bus.Publish(ctx, channel, payload); err != nil {
		b.logger.Error("publishing liquidity event", "channel", channel, "err", err)
	}
}

func liqKey(chainID types.ChainID, market, connID string) string {
	return liqPrefix(chainID, market) + connID
}

func liqPrefix(chainID types.ChainID, market string) string {
	return fmt.Sprintf("liq.%d.%s.", chainID, market)
}
