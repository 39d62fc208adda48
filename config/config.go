package config

import (
	"fmt"
	"time"

	"github.com/tradeweave/relay/types"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"
)

// Config defines the top level configuration for a relay node.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Server          *ServerConfig          `mapstructure:"server"`
	Websocket       *WebsocketConfig       `mapstructure:"websocket"`
	Store           *StoreConfig           `mapstructure:"store"`
	Redis           *RedisConfig           `mapstructure:"redis"`
	Lock            *LockConfig            `mapstructure:"lock"`
	Market          *MarketConfig          `mapstructure:"market"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a relay node.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Server:          DefaultServerConfig(),
		Websocket:       DefaultWebsocketConfig(),
		Store:           DefaultStoreConfig(),
		Redis:           DefaultRedisConfig(),
		Lock:            DefaultLockConfig(),
		Market:          DefaultMarketConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing. It keeps
// every backend in memory so tests need no external services.
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Server:          TestServerConfig(),
		Websocket:       TestWebsocketConfig(),
		Store:           TestStoreConfig(),
		Redis:           TestRedisConfig(),
		Lock:            TestLockConfig(),
		Market:          TestMarketConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Server.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [server] section: %w", err)
	}
	if err := cfg.Websocket.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [websocket] section: %w", err)
	}
	if err := cfg.Store.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [store] section: %w", err)
	}
	if err := cfg.Redis.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [redis] section: %w", err)
	}
	if err := cfg.Lock.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [lock] section: %w", err)
	}
	if err := cfg.Market.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [market] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a relay node.
type BaseConfig struct {
	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a relay node.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   "relay",
		LogLevel:  "info",
		LogFormat: LogFormatPlain,
	}
}

// TestBaseConfig returns a base configuration for testing a relay node.
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Moniker = "relay-test"
	cfg.LogLevel = "debug"
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return fmt.Errorf("unknown log format %q (known: %s, %s)",
			cfg.LogFormat, LogFormatPlain, LogFormatJSON)
	}
	return nil
}

//-----------------------------------------------------------------------------
// ServerConfig

// ServerConfig defines the configuration for the HTTP server, which carries
// both the websocket endpoint and one-shot request/response calls.
type ServerConfig struct {
	// TCP address for the server to listen on
	ListenAddress string `mapstructure:"listen_address"`

	// A list of origins a cross-domain request can be executed from.
	// An empty list disables CORS handling entirely.
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	// A list of methods the client is allowed to use with cross-domain requests
	CORSAllowedMethods []string `mapstructure:"cors_allowed_methods"`

	// A list of non simple headers the client is allowed to use with
	// cross-domain requests
	CORSAllowedHeaders []string `mapstructure:"cors_allowed_headers"`
}

// DefaultServerConfig returns a default configuration for the HTTP server.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddress:      "tcp://0.0.0.0:8080",
		CORSAllowedOrigins: []string{},
		CORSAllowedMethods: []string{"POST", "GET"},
		CORSAllowedHeaders: []string{"Origin", "Accept", "Content-Type"},
	}
}

// TestServerConfig returns a configuration for testing the HTTP server.
func TestServerConfig() *ServerConfig {
	cfg := DefaultServerConfig()
	cfg.ListenAddress = "tcp://127.0.0.1:0"
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ServerConfig) ValidateBasic() error {
	if cfg.ListenAddress == "" {
		return fmt.Errorf("listen_address must not be empty")
	}
	return nil
}

// IsCorsEnabled returns true if cross-origin requests should be served.
func (cfg *ServerConfig) IsCorsEnabled() bool {
	return len(cfg.CORSAllowedOrigins) != 0
}

//-----------------------------------------------------------------------------
// WebsocketConfig

// WebsocketConfig defines the configuration for persistent websocket
// connections, including the liveness sweep that reclaims connections whose
// peers stopped answering pings.
type WebsocketConfig struct {
	// Interval between pings written to each connection. A peer that answers
	// no ping within three intervals is considered stale.
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// Maximum size in bytes of a single inbound frame
	ReadLimit int64 `mapstructure:"read_limit"`

	// Chain assumed for connections that do not pass a chainId query param
	DefaultChain int64 `mapstructure:"default_chain"`

	// Interval between sweeps for stale connections
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DefaultWebsocketConfig returns a default configuration for websocket
// connections.
func DefaultWebsocketConfig() *WebsocketConfig {
	return &WebsocketConfig{
		PingInterval:  30 * time.Second,
		ReadLimit:     1 << 20, // 1MB
		DefaultChain:  1,
		SweepInterval: time.Minute,
	}
}

// TestWebsocketConfig returns a configuration for testing websocket
// connections.
func TestWebsocketConfig() *WebsocketConfig {
	cfg := DefaultWebsocketConfig()
	cfg.PingInterval = 100 * time.Millisecond
	cfg.SweepInterval = 200 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *WebsocketConfig) ValidateBasic() error {
	if cfg.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive")
	}
	if cfg.ReadLimit <= 0 {
		return fmt.Errorf("read_limit must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// StoreConfig

// StoreConfig defines the configuration for order and fill persistence.
type StoreConfig struct {
	// Backend: 'psql' or 'memory'
	Backend string `mapstructure:"backend"`

	// PostgreSQL connection string, required for the psql backend
	Conn string `mapstructure:"conn"`
}

// DefaultStoreConfig returns a default configuration for order and fill
// persistence.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Backend: "psql",
		Conn:    "",
	}
}

// TestStoreConfig returns a configuration for testing persistence.
func TestStoreConfig() *StoreConfig {
	return &StoreConfig{Backend: "memory"}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *StoreConfig) ValidateBasic() error {
	switch cfg.Backend {
	case "psql":
		if cfg.Conn == "" {
			return fmt.Errorf("conn must not be empty for the psql backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store backend %q (known: psql, memory)", cfg.Backend)
	}
	return nil
}

//-----------------------------------------------------------------------------
// RedisConfig

// RedisConfig defines the configuration for the shared key-value store and
// the cross-process event bus.
type RedisConfig struct {
	// Backend: 'redis' or 'memory'. The memory backend confines events and
	// locks to a single process and is only suitable for tests and
	// single-node deployments.
	Backend string `mapstructure:"backend"`

	// Address of the redis server
	Addr string `mapstructure:"addr"`

	// Redis database number
	DB int `mapstructure:"db"`
}

// DefaultRedisConfig returns a default configuration for the key-value store
// and event bus.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Backend: "redis",
		Addr:    "localhost:6379",
		DB:      0,
	}
}

// TestRedisConfig returns a configuration for testing the key-value store and
// event bus.
func TestRedisConfig() *RedisConfig {
	return &RedisConfig{Backend: "memory"}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *RedisConfig) ValidateBasic() error {
	switch cfg.Backend {
	case "redis":
		if cfg.Addr == "" {
			return fmt.Errorf("addr must not be empty for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown redis backend %q (known: redis, memory)", cfg.Backend)
	}
	return nil
}

//-----------------------------------------------------------------------------
// LockConfig

// LockConfig defines the configuration for maker exclusivity locks.
type LockConfig struct {
	// How long a maker stays locked after one of their orders is claimed
	TTL time.Duration `mapstructure:"ttl"`

	// Maker addresses exempt from exclusivity locking
	Blacklist []string `mapstructure:"blacklist"`

	// Whether a rejected broadcast releases the maker lock immediately.
	// When false the lock runs out its TTL, throttling makers whose
	// orders keep failing on chain.
	ReleaseOnReject bool `mapstructure:"release_on_reject"`
}

// DefaultLockConfig returns a default configuration for maker exclusivity
// locks.
func DefaultLockConfig() *LockConfig {
	return &LockConfig{
		TTL:             30 * time.Second,
		Blacklist:       []string{},
		ReleaseOnReject: true,
	}
}

// TestLockConfig returns a configuration for testing maker exclusivity locks.
func TestLockConfig() *LockConfig {
	cfg := DefaultLockConfig()
	cfg.TTL = 2 * time.Second
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *LockConfig) ValidateBasic() error {
	if cfg.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// MarketConfig

// MarketDef declares a single tradeable market on a single chain.
type MarketDef struct {
	Chain         int64   `mapstructure:"chain"`
	Market        string  `mapstructure:"market"`
	BaseAsset     string  `mapstructure:"base_asset"`
	QuoteAsset    string  `mapstructure:"quote_asset"`
	PriceDecimals int     `mapstructure:"price_decimals"`
	SizeDecimals  int     `mapstructure:"size_decimals"`
	MakerFee      float64 `mapstructure:"maker_fee"`
	TakerFee      float64 `mapstructure:"taker_fee"`
}

// MarketConfig defines the configured markets and the market data engine
// parameters.
type MarketConfig struct {
	// Markets tradeable through this node
	Markets []MarketDef `mapstructure:"markets"`

	// Sliding window covered by market summaries
	SummaryWindow time.Duration `mapstructure:"summary_window"`

	// How often summaries are recomputed in the absence of fills
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	// How long a liquidity indication stays quotable without a refresh
	IndicationTTL time.Duration `mapstructure:"indication_ttl"`
}

// DefaultMarketConfig returns a default configuration for the market data
// engine with no markets declared.
func DefaultMarketConfig() *MarketConfig {
	return &MarketConfig{
		Markets:         []MarketDef{},
		SummaryWindow:   24 * time.Hour,
		RefreshInterval: time.Minute,
		IndicationTTL:   60 * time.Second,
	}
}

// TestMarketConfig returns a configuration for testing the market data engine.
func TestMarketConfig() *MarketConfig {
	cfg := DefaultMarketConfig()
	cfg.Markets = []MarketDef{
		{Chain: 1, Market: "ETH-USDC", BaseAsset: "ETH", QuoteAsset: "USDC"},
	}
	cfg.RefreshInterval = time.Second
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *MarketConfig) ValidateBasic() error {
	if cfg.SummaryWindow <= 0 {
		return fmt.Errorf("summary_window must be positive")
	}
	if cfg.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	if cfg.IndicationTTL <= 0 {
		return fmt.Errorf("indication_ttl must be positive")
	}
	for i, def := range cfg.Markets {
		if def.Chain == 0 {
			return fmt.Errorf("markets[%d]: chain must not be zero", i)
		}
		canonical, err := types.CanonicalMarket(def.Market)
		if err != nil {
			return fmt.Errorf("markets[%d]: %w", i, err)
		}
		if canonical != def.Market {
			return fmt.Errorf("markets[%d]: %q is not in canonical form (want %q)",
				i, def.Market, canonical)
		}
	}
	return nil
}

// MarketSet builds the lookup structure used across the node from the
// declared market list.
func (cfg *MarketConfig) MarketSet() types.Markets {
	set := make(types.Markets)
	for _, def := range cfg.Markets {
		chainID := types.ChainID(def.Chain)
		if set[chainID] == nil {
			set[chainID] = make(map[string]*types.MarketInfo)
		}
		set[chainID][def.Market] = &types.MarketInfo{
			ChainID:       chainID,
			Market:        def.Market,
			BaseAsset:     def.BaseAsset,
			QuoteAsset:    def.QuoteAsset,
			PriceDecimals: def.PriceDecimals,
			SizeDecimals:  def.SizeDecimals,
			MakerFee:      def.MakerFee,
			TakerFee:      def.TakerFee,
		}
	}
	return set
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are collected and served at /metrics
	Prometheus bool `mapstructure:"prometheus"`

	// Instrumentation namespace
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus: false,
		Namespace:  "relay",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}
