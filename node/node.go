// Package node assembles the relay's components into a runnable service.
package node

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tradeweave/relay/bus"
	"github.com/tradeweave/relay/config"
	"github.com/tradeweave/relay/exclusivity"
	"github.com/tradeweave/relay/kv"
	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/libs/service"
	"github.com/tradeweave/relay/lifecycle"
	"github.com/tradeweave/relay/marketdata"
	"github.com/tradeweave/relay/registry"
	"github.com/tradeweave/relay/server"
	"github.com/tradeweave/relay/store"
	"github.com/tradeweave/relay/types"
)

// Node wires the store, the bus, the lock coordinator, the lifecycle manager,
// the market data engine and the server into one service. Start brings the
// background services up and binds the listener; Stop tears everything down
// in reverse order.
type Node struct {
	service.BaseService

	config *config.Config

	httpServer *server.HTTPServer
	subscriber *server.Subscriber
	sweeper    *server.Sweeper
	aggregator *marketdata.Aggregator

	// backends owning external connections, closed on Stop
	closers []io.Closer
}

// New builds a node from its configuration. The context bounds the initial
// connection attempts against redis and postgres, not the node's lifetime.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{config: cfg}
	n.BaseService = *service.NewBaseService(logger, "Node", n)

	markets := cfg.Market.MarketSet()
	if len(markets) == 0 {
		return nil, fmt.Errorf("no markets configured")
	}

	kvStore, eventBus, err := n.connectRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	st, err := n.connectStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	locks := exclusivity.New(kvStore, logger,
		exclusivity.WithTTL(cfg.Lock.TTL),
		exclusivity.WithBlacklist(cfg.Lock.Blacklist),
	)

	lcOpts := []lifecycle.Option{}
	if !cfg.Lock.ReleaseOnReject {
		lcOpts = append(lcOpts, lifecycle.WithHoldLockOnReject())
	}
	manager := lifecycle.New(st, locks, eventBus, lifecycle.InsecureVerifier{}, markets, logger, lcOpts...)

	book := marketdata.NewLiquidityBook(kvStore, eventBus, logger,
		marketdata.WithIndicationTTL(cfg.Market.IndicationTTL))
	quotes := marketdata.NewQuoteEngine(book)
	n.aggregator = marketdata.NewAggregator(st, eventBus, markets, logger,
		marketdata.WithSummaryWindow(cfg.Market.SummaryWindow),
		marketdata.WithRefreshInterval(cfg.Market.RefreshInterval),
	)

	reg := registry.New(logger)
	metrics := server.NopMetrics()
	if cfg.Instrumentation.Prometheus {
		metrics = server.PrometheusMetrics(cfg.Instrumentation.Namespace, "moniker", cfg.Moniker)
	}

	env := &server.Environment{
		Lifecycle:  manager,
		Aggregator: n.aggregator,
		Book:       book,
		Quotes:     quotes,
		Store:      st,
		Registry:   reg,
		Logger:     logger,
	}
	defaultChain := types.ChainID(cfg.Websocket.DefaultChain)
	if !markets.SupportsChain(defaultChain) {
		return nil, fmt.Errorf("websocket default_chain %d has no configured markets", defaultChain)
	}

	router := server.NewRouter(env.Handlers(), logger, metrics)
	ws := server.NewWebsocketManager(router, reg, book, logger, metrics,
		server.WithDefaultChain(defaultChain),
		server.WithPingInterval(cfg.Websocket.PingInterval),
		server.WithReadLimit(cfg.Websocket.ReadLimit),
	)

	addr, err := listenAddr(cfg.Server.ListenAddress)
	if err != nil {
		return nil, err
	}
	n.httpServer = server.NewHTTPServer(addr, router, ws, server.CORSConfig{
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
		AllowedMethods: cfg.Server.CORSAllowedMethods,
		AllowedHeaders: cfg.Server.CORSAllowedHeaders,
	}, logger)

	n.subscriber = server.NewSubscriber(eventBus, reg, markets.Chains(), logger, metrics)
	n.sweeper = server.NewSweeper(reg, book, cfg.Websocket.SweepInterval, logger)

	return n, nil
}

func (n *Node) connectRedis(ctx context.Context, cfg *config.RedisConfig) (kv.Store, bus.Bus, error) {
	if cfg.Backend == "memory" {
		return kv.NewMemStore(), bus.NewMemBus(), nil
	}
	eventBus, err := bus.NewRedisBus(ctx, cfg.Addr, cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting event bus: %w", err)
	}
	// the kv store rides the bus's connection pool, so only the bus owns
	// the close
	kvStore := kv.NewRedisStoreFromClient(eventBus.Client())
	n.closers = append(n.closers, eventBus)
	return kvStore, eventBus, nil
}

func (n *Node) connectStore(ctx context.Context, cfg *config.StoreConfig) (store.Store, error) {
	if cfg.Backend == "memory" {
		return store.NewMemory(), nil
	}
	st, err := store.NewPSQL(ctx, cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("connecting order store: %w", err)
	}
	n.closers = append(n.closers, st)
	return st, nil
}

func (n *Node) OnStart(ctx context.Context) error {
	if err := n.aggregator.Start(ctx); err != nil {
		return err
	}
	if err := n.subscriber.Start(ctx); err != nil {
		return err
	}
	if err := n.sweeper.Start(ctx); err != nil {
		return err
	}
	return n.httpServer.Start(ctx)
}

func (n *Node) OnStop() {
	for _, svc := range []interface {
		service.Service
		Stop() error
	}{n.httpServer, n.sweeper, n.subscriber, n.aggregator} {
		if svc.IsRunning() {
			if err := svc.Stop(); err != nil {
				n.Logger().Error("stopping service", "service", svc.String(), "err", err)
			}
		}
	}
	for _, c := range n.closers {
		if err := c.Close(); err != nil {
			n.Logger().Error("closing backend", "err", err)
		}
	}
}

// Addr returns the server's bound listen address.
func (n *Node) Addr() string { return n.httpServer.Addr() }

// listenAddr accepts both "tcp://host:port" and a bare "host:port".
func listenAddr(addr string) (string, error) {
	if strings.Contains(addr, "://") {
		if !strings.HasPrefix(addr, "tcp://") {
			return "", fmt.Errorf("unsupported listen scheme in %q, only tcp:// is served", addr)
		}
		return strings.TrimPrefix(addr, "tcp://"), nil
	}
	return addr, nil
}
