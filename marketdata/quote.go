package marketdata

import (
	"context"

	"github.com/tradeweave/relay/types"
)

// QuoteEngine prices hypothetical orders against the aggregate liquidity
// book. Quotes are indicative only; nothing is reserved.
type QuoteEngine struct {
	book *LiquidityBook
}

// NewQuoteEngine creates an engine over the shared book.
func NewQuoteEngine(book *LiquidityBook) *QuoteEngine {
	return &QuoteEngine{book: book}
}

// Quote prices a base-denominated order of the given side. A buy consumes
// sell-side levels from the best (lowest) price up; a sell consumes buy-side
// levels from the best (highest) price down. The returned price is
// volume-weighted across the consumed levels. An uncoverable size is a
// validation error, not a partial quote.
func (q *QuoteEngine) Quote(ctx context.Context, chainID types.ChainID, market string, side types.Side, baseQuantity float64) (price, quoteQuantity float64, err error) {
	if !side.Valid() {
		return 0, 0, types.Validationf("invalid side %q", side)
	}
	if baseQuantity <= 0 {
		return 0, 0, types.Validationf("quantity must be positive")
	}
	market, cerr := types.CanonicalMarket(market)
	if cerr != nil {
		return 0, 0, types.Validationf("%v", cerr)
	}

	book, err := q.book.Aggregate(ctx, chainID, market)
	if err != nil {
		return 0, 0, err
	}

	// Aggregate orders buys descending and sells ascending, so walking the
	// counter side in slice order is already best-price-first.
	counter := side.Opposite()
	remaining := baseQuantity
	var quote float64
	for _, lvl := range book {
		if lvl.Side != counter {
			continue
		}
		take := lvl.Quantity
		if take > remaining {
			take = remaining
		}
		quote += take * lvl.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		return 0, 0, types.Validationf("insufficient liquidity for %g %s on %s", baseQuantity, side, market)
	}
	return quote / baseQuantity, quote, nil
}

// QuoteByQuote prices a quote-denominated order: levels are consumed
// best-price-first until their combined quote value covers the requested
// amount, and the complementary base quantity is returned.
func (q *QuoteEngine) QuoteByQuote(ctx context.Context, chainID types.ChainID, market string, side types.Side, quoteQuantity float64) (price, baseQuantity float64, err error) {
	if !side.Valid() {
		return 0, 0, types.Validationf("invalid side %q", side)
	}
	if quoteQuantity <= 0 {
		return 0, 0, types.Validationf("quantity must be positive")
	}
	market, cerr := types.CanonicalMarket(market)
	if cerr != nil {
		return 0, 0, types.Validationf("%v", cerr)
	}

	book, err := q.book.Aggregate(ctx, chainID, market)
	if err != nil {
		return 0, 0, err
	}

	counter := side.Opposite()
	remaining := quoteQuantity
	var base float64
	for _, lvl := range book {
		if lvl.Side != counter {
			continue
		}
		takeQuote := lvl.Quantity * lvl.Price
		if takeQuote > remaining {
			takeQuote = remaining
		}
		base += takeQuote / lvl.Price
		remaining -= takeQuote
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		return 0, 0, types.Validationf("insufficient liquidity for %g quote %s on %s", quoteQuantity, side, market)
	}
	return quoteQuantity / base, base, nil
}
