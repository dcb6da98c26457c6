package config

import "time"

// GatewayConfig is the root configuration for a gateway instance.
type GatewayConfig struct {
	Instance InstanceConfig      `yaml:"instance"`
	Upstream UpstreamConfig      `yaml:"upstream"`
	Accounts AccountSourceConfig `yaml:"accounts"`
	Pool     PoolConfig          `yaml:"pool"`
	Routing  RoutingConfig       `yaml:"routing"`
	Stream   StreamConfig        `yaml:"stream"`
	Health   HealthConfig        `yaml:"health"`
	Metrics  MetricsConfig       `yaml:"metrics"`
}

// InstanceConfig identifies this gateway.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// UpstreamConfig holds the brokerage API endpoints.
type UpstreamConfig struct {
	RestURL      string        `yaml:"rest_url"`       // REST base for live accounts
	PaperRestURL string        `yaml:"paper_rest_url"` // REST base for paper accounts
	EquitiesWS   string        `yaml:"equities_ws"`    // equities stream (JSON text frames)
	OptionsWS    string        `yaml:"options_ws"`     // options stream (msgpack binary frames)
	TestWS       string        `yaml:"test_ws"`        // canary stream used for the startup self-test
	CanarySymbol string        `yaml:"canary_symbol"`  // known test instrument on the canary stream
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimit    float64       `yaml:"rate_limit"` // REST requests per second per session
}

// AccountSourceConfig selects where account definitions come from.
// Source "file" reads the inline Entries list; "postgres" loads rows
// from the accounts table of the configured database.
type AccountSourceConfig struct {
	Source   string         `yaml:"source"` // "file" or "postgres"
	Entries  []AccountEntry `yaml:"entries"`
	Postgres DBConfig       `yaml:"postgres"`
}

// AccountEntry is one account definition as it appears in configuration.
type AccountEntry struct {
	ID             string `yaml:"id"`
	DisplayName    string `yaml:"display_name"`
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	PaperTrading   bool   `yaml:"paper_trading"`
	Tier           string `yaml:"tier"`
	MaxConnections int    `yaml:"max_connections"`
	Enabled        bool   `yaml:"enabled"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	WarmupConcurrency int           `yaml:"warmup_concurrency"` // global cap on concurrent slot verification
	VerifyMaxAttempts int           `yaml:"verify_max_attempts"`
	VerifyBaseDelay   time.Duration `yaml:"verify_base_delay"`
	ReverifyEvery     int           `yaml:"reverify_every"` // every Nth release triggers re-verification
}

// RoutingConfig holds router settings.
type RoutingConfig struct {
	Strategy string `yaml:"strategy"` // "round_robin", "least_loaded", "random"
}

// StreamConfig holds stream gateway settings.
type StreamConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`      // no-message window before Degraded
	HardReconnectTimeout time.Duration `yaml:"hard_reconnect_timeout"` // Degraded window before forced reconnect
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	SelfTestTimeout      time.Duration `yaml:"self_test_timeout"`
	SubscriberQueueSize  int           `yaml:"subscriber_queue_size"`
	MaxSymbolsPerRequest int           `yaml:"max_symbols_per_request"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
