package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

const defaultConfigFileName = "config.toml"

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

// EnsureRoot creates the root directory if it doesn't exist and writes a
// default config file there unless one is already present.
func EnsureRoot(rootDir string) error {
	if err := os.MkdirAll(rootDir, defaultDirPerm); err != nil {
		return err
	}
	configFilePath := filepath.Join(rootDir, defaultConfigFileName)
	if _, err := os.Stat(configFilePath); os.IsNotExist(err) {
		return WriteConfigFile(configFilePath, DefaultConfig())
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to path.
func WriteConfigFile(path string, cfg *Config) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return os.WriteFile(path, buffer.Bytes(), 0600)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

##### main base config options #####

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Output level for logging
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

##### advanced configuration options #####

##### http/websocket server configuration options #####
[server]

# TCP address for the server to listen on
listen_address = "{{ .Server.ListenAddress }}"

# A list of origins a cross-domain request can be executed from
# Default value '[]' disables cors support
cors_allowed_origins = [{{ range .Server.CORSAllowedOrigins }}{{ printf "%q, " . }}{{end}}]

# A list of methods the client is allowed to use with cross-domain requests
cors_allowed_methods = [{{ range .Server.CORSAllowedMethods }}{{ printf "%q, " . }}{{end}}]

# A list of non simple headers the client is allowed to use with cross-domain requests
cors_allowed_headers = [{{ range .Server.CORSAllowedHeaders }}{{ printf "%q, " . }}{{end}}]

##### websocket connection configuration options #####
[websocket]

# Interval between pings written to each connection
ping_interval = "{{ .Websocket.PingInterval }}"

# Maximum size in bytes of a single inbound frame
read_limit = {{ .Websocket.ReadLimit }}

# Chain assumed for connections that do not pass a chainId query param
default_chain = {{ .Websocket.DefaultChain }}

# Interval between sweeps for stale connections
sweep_interval = "{{ .Websocket.SweepInterval }}"

##### order and fill persistence configuration options #####
[store]

# Backend: 'psql' or 'memory'
backend = "{{ .Store.Backend }}"

# PostgreSQL connection string, required for the psql backend
conn = "{{ .Store.Conn }}"

##### key-value store and event bus configuration options #####
[redis]

# Backend: 'redis' or 'memory'
backend = "{{ .Redis.Backend }}"

# Address of the redis server
addr = "{{ .Redis.Addr }}"

# Redis database number
db = {{ .Redis.DB }}

##### maker exclusivity lock configuration options #####
[lock]

# How long a maker stays locked after one of their orders is claimed
ttl = "{{ .Lock.TTL }}"

# Maker addresses exempt from exclusivity locking
blacklist = [{{ range .Lock.Blacklist }}{{ printf "%q, " . }}{{end}}]

# Whether a rejected broadcast releases the maker lock immediately
release_on_reject = {{ .Lock.ReleaseOnReject }}

##### market data configuration options #####
[market]

# Sliding window covered by market summaries
summary_window = "{{ .Market.SummaryWindow }}"

# How often summaries are recomputed in the absence of fills
refresh_interval = "{{ .Market.RefreshInterval }}"

# How long a liquidity indication stays quotable without a refresh
indication_ttl = "{{ .Market.IndicationTTL }}"

##### instrumentation configuration options #####
[instrumentation]

# When true, Prometheus metrics are collected and served at /metrics
prometheus = {{ .Instrumentation.Prometheus }}

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
{{ range .Market.Markets }}
[[market.markets]]
chain = {{ .Chain }}
market = "{{ .Market }}"
base_asset = "{{ .BaseAsset }}"
quote_asset = "{{ .QuoteAsset }}"
price_decimals = {{ .PriceDecimals }}
size_decimals = {{ .SizeDecimals }}
maker_fee = {{ .MakerFee }}
taker_fee = {{ .TakerFee }}
{{ end }}`
