// Package marketdata derives the client-facing market views: 24h summaries
// recomputed from fill history, the aggregate liquidity book held in the
// shared key-value store, and indicative quotes priced against that book.
// Nothing here is authoritative; every number can be rebuilt from the order
// and fill store.
package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tradeweave/relay/bus"
	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/libs/service"
	"github.com/tradeweave/relay/store"
	"github.com/tradeweave/relay/types"
)

const (
	// DefaultSummaryWindow is the trailing window summaries cover.
	DefaultSummaryWindow = 24 * time.Hour

	// DefaultRefreshInterval bounds summary staleness between finalized
	// fills, mainly so the window's trailing edge keeps moving on quiet
	// markets.
	DefaultRefreshInterval = time.Minute
)

// Aggregator recomputes market summaries from trailing fill history. It
// refreshes a market whenever one of its fills finalizes and sweeps every
// market on a timer; each recompute reads the store from scratch rather
// than adjusting a running total, so a missed event can never skew it.
type Aggregator struct {
	service.BaseService

	store   store.Store
	bus     bus.Bus
	markets types.Markets

	window   time.Duration
	interval time.Duration
	now      func() time.Time

	mtx       sync.RWMutex
	summaries map[types.ChainID]map[string]*types.MarketSummary

	cancel context.CancelFunc
	done   chan struct{}
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithSummaryWindow overrides the trailing window.
func WithSummaryWindow(w time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if w > 0 {
			a.window = w
		}
	}
}

// WithRefreshInterval overrides the periodic sweep interval.
func WithRefreshInterval(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithAggregatorClock overrides the clock for window tests.
func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator over the shared store and bus.
func NewAggregator(st store.Store, b bus.Bus, markets types.Markets, logger log.Logger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store:     st,
		bus:       b,
		markets:   markets,
		window:    DefaultSummaryWindow,
		interval:  DefaultRefreshInterval,
		now:       time.Now,
		summaries: make(map[types.ChainID]map[string]*types.MarketSummary),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.BaseService = *service.NewBaseService(logger, "Aggregator", a)
	return a
}

// OnStart subscribes to finalized-fill events for every configured chain and
// spawns the refresh loop.
func (a *Aggregator) OnStart(ctx context.Context) error {
	channels := make([]string, 0, len(a.markets))
	for _, chainID := range a.markets.Chains() {
		channels = append(channels, types.ChannelName(types.ChannelFills, chainID))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	sub, err := a.bus.Subscribe(ctx, channels...)
	if err != nil {
		cancel()
		return err
	}

	a.RefreshAll(loopCtx)
	go a.loop(loopCtx, sub)
	return nil
}

// OnStop terminates the refresh loop.
func (a *Aggregator) OnStop() {
	a.cancel()
	<-a.done
}

func (a *Aggregator) loop(ctx context.Context, sub *bus.Subscription) {
	defer close(a.done)
	defer sub.Cancel()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.Out():
			var fill types.Fill
			if err := json.Unmarshal(ev.Payload, &fill); err != nil {
				a.Logger().Error("bad fill event", "channel", ev.Channel, "err", err)
				continue
			}
			a.Refresh(ctx, fill.ChainID, fill.Market)
		case <-ticker.C:
			a.RefreshAll(ctx)
		case <-sub.Canceled():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Refresh recomputes one market's summary from the store and publishes it.
func (a *Aggregator) Refresh(ctx context.Context, chainID types.ChainID, market string) {
	since := a.WindowStart()
	fills, err := a.store.FillsByMarketSince(ctx, chainID, market, since)
	if err != nil {
		a.Logger().Error("reading fills for summary", "chain", chainID, "market", market, "err", err)
		return
	}
	summary := Summarize(chainID, market, fills)

	a.mtx.Lock()
	byMarket := a.summaries[chainID]
	if byMarket == nil {
		byMarket = make(map[string]*types.MarketSummary)
		a.summaries[chainID] = byMarket
	}
	byMarket[market] = summary
	a.mtx.Unlock()

	a.publish(ctx, summary)
}

// RefreshAll recomputes every configured market.
func (a *Aggregator) RefreshAll(ctx context.Context) {
	for _, chainID := range a.markets.Chains() {
		for _, info := range a.markets.List(chainID) {
			a.Refresh(ctx, chainID, info.Market)
		}
	}
}

// WindowStart returns the trailing edge of the summary window: fills older
// than this are outside every summary the aggregator reports.
func (a *Aggregator) WindowStart() time.Time {
	return a.now().Add(-a.window)
}

// Summary returns the cached summary for one market.
func (a *Aggregator) Summary(chainID types.ChainID, market string) (*types.MarketSummary, bool) {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	s, ok := a.summaries[chainID][market]
	return s, ok
}

// Summaries returns the cached summaries for a chain.
func (a *Aggregator) Summaries(chainID types.ChainID) []*types.MarketSummary {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	out := make([]*types.MarketSummary, 0, len(a.summaries[chainID]))
	for _, s := range a.summaries[chainID] {
		out = append(out, s)
	}
	return out
}

func (a *Aggregator) publish(ctx context.Context, summary *types.MarketSummary) {
	payload, err := json.Marshal(types.SummaryEvent{Summary: summary})
	if err != nil {
		a.Logger().Error("encoding summary event", "market", summary.Market, "err", err)
		return
	}
	channel := types.ChannelName(types.ChannelSummaries, summary.ChainID)
	if err := a.bus.Publish(ctx, channel, payload); err != nil {
		a.Logger().Error("publishing summary event", "channel", channel, "err", err)
	}
}

// Summarize folds a market's trailing fills, ordered newest first, into its
// summary. PriceChange is the fractional move from the window's opening
// price to the last price.
func Summarize(chainID types.ChainID, market string, fills []*types.Fill) *types.MarketSummary {
	s := &types.MarketSummary{ChainID: chainID, Market: market}
	if len(fills) == 0 {
		return s
	}

	s.LastPrice = fills[0].Price
	open := fills[len(fills)-1].Price
	s.Low = fills[0].Price
	for _, f := range fills {
		if f.Price > s.High {
			s.High = f.Price
		}
		if f.Price < s.Low {
			s.Low = f.Price
		}
		s.BaseVolume += f.BaseVolume
		s.QuoteVolume += f.QuoteVolume
	}
	if open > 0 {
		s.PriceChange = (s.LastPrice - open) / open
	}
	return s
}
