package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/creachadair/taskgroup"

	"github.com/tradeweave/relay/bus"
	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/libs/service"
	"github.com/tradeweave/relay/registry"
	"github.com/tradeweave/relay/types"
)

// Subscriber listens on the bus channels of the chains this process serves
// and re-derives recipients from the local registry only: every worker runs
// one, and each delivers an event solely to the sockets it owns.
type Subscriber struct {
	service.BaseService

	bus     bus.Bus
	reg     *registry.Registry
	chains  []types.ChainID
	metrics *Metrics

	cancel context.CancelFunc
	group  *taskgroup.Group
}

// NewSubscriber creates a subscriber for the given chains.
func NewSubscriber(b bus.Bus, reg *registry.Registry, chains []types.ChainID, logger log.Logger, metrics *Metrics) *Subscriber {
	s := &Subscriber{
		bus:     b,
		reg:     reg,
		chains:  chains,
		metrics: metrics,
	}
	s.BaseService = *service.NewBaseService(logger, "Subscriber", s)
	return s
}

// OnStart subscribes to the order, liquidity and summary channels of every
// served chain. Fill events are the aggregator's input, not the subscriber's.
func (s *Subscriber) OnStart(ctx context.Context) error {
	var channels []string
	for _, chainID := range s.chains {
		channels = append(channels,
			types.ChannelName(types.ChannelOrders, chainID),
			types.ChannelName(types.ChannelLiquidity, chainID),
			types.ChannelName(types.ChannelSummaries, chainID),
		)
	}

	sub, err := s.bus.Subscribe(ctx, channels...)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group = taskgroup.New(nil)
	s.group.Go(func() error {
		defer sub.Cancel()
		for {
			select {
			case ev := <-sub.Out():
				s.deliver(ev)
			case <-sub.Canceled():
				return nil
			case <-loopCtx.Done():
				return nil
			}
		}
	})
	return nil
}

// OnStop terminates the delivery loop and waits for it.
func (s *Subscriber) OnStop() {
	s.cancel()
	_ = s.group.Wait()
}

func (s *Subscriber) deliver(ev bus.Event) {
	switch {
	case strings.HasPrefix(ev.Channel, types.ChannelOrders):
		s.deliverOrder(ev)
	case strings.HasPrefix(ev.Channel, types.ChannelLiquidity):
		s.deliverLiquidity(ev)
	case strings.HasPrefix(ev.Channel, types.ChannelSummaries):
		s.deliverSummary(ev)
	default:
		s.Logger().Error("event on unexpected channel", "channel", ev.Channel)
	}
}

// deliverOrder fans a lifecycle transition out to the market's subscribers
// and to the parties of the order, each at most once.
func (s *Subscriber) deliverOrder(ev bus.Event) {
	var oe types.OrderEvent
	if err := json.Unmarshal(ev.Payload, &oe); err != nil {
		s.Logger().Error("bad order event", "channel", ev.Channel, "err", err)
		return
	}
	order := oe.Order
	if order == nil {
		return
	}

	update := types.StatusUpdate{ChainID: order.ChainID, OrderID: order.ID, Status: order.Status}
	if oe.Fill != nil {
		update.TxHash = oe.Fill.TxHash
	}
	statusMsg := types.OrderStatusMessage(update)
	var fillMsg *types.Message
	if oe.Fill != nil {
		fillMsg = types.FillStatusMessage(oe.Fill)
	}

	recipients := make(map[string]*registry.Connection)
	for _, conn := range s.reg.ByMarket(order.ChainID, order.Market) {
		recipients[conn.ID()] = conn
	}
	for _, conn := range s.reg.SwapSubscribers(order.ChainID, order.Market) {
		recipients[conn.ID()] = conn
	}
	if conn, ok := s.reg.LookupByUser(order.ChainID, order.UserID); ok {
		recipients[conn.ID()] = conn
	}
	if oe.Fill != nil {
		if conn, ok := s.reg.LookupByUser(order.ChainID, oe.Fill.TakerID); ok {
			recipients[conn.ID()] = conn
		}
	}

	var delivered int
	for _, conn := range recipients {
		if conn.Send(statusMsg) {
			delivered++
		}
		if fillMsg != nil {
			conn.Send(fillMsg)
		}
	}
	s.metrics.EventsDelivered.With("channel", ev.Channel).Add(float64(delivered))
}

func (s *Subscriber) deliverLiquidity(ev bus.Event) {
	var le types.LiquidityEvent
	if err := json.Unmarshal(ev.Payload, &le); err != nil {
		s.Logger().Error("bad liquidity event", "channel", ev.Channel, "err", err)
		return
	}
	msg := types.LiquidityMessage(le.ChainID, le.Market, le.Levels)

	var delivered int
	for _, conn := range s.reg.ByMarket(le.ChainID, le.Market) {
		if conn.Send(msg) {
			delivered++
		}
	}
	s.metrics.EventsDelivered.With("channel", ev.Channel).Add(float64(delivered))
}

// deliverSummary sends the full summary to the market's subscribers and the
// compact lastprice triple to every connection on the chain.
func (s *Subscriber) deliverSummary(ev bus.Event) {
	var se types.SummaryEvent
	if err := json.Unmarshal(ev.Payload, &se); err != nil {
		s.Logger().Error("bad summary event", "channel", ev.Channel, "err", err)
		return
	}
	if se.Summary == nil {
		return
	}

	summaryMsg := types.MarketSummaryMessage(se.Summary)
	lastPriceMsg := types.LastPriceMessage(se.Summary.ChainID, se.Summary)

	var delivered int
	for _, conn := range s.reg.ByMarket(se.Summary.ChainID, se.Summary.Market) {
		if conn.Send(summaryMsg) {
			delivered++
		}
	}
	for _, conn := range s.reg.ByChain(se.Summary.ChainID) {
		conn.Send(lastPriceMsg)
	}
	s.metrics.EventsDelivered.With("channel", ev.Channel).Add(float64(delivered))
}
