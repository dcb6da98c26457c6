package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL      = "https://api.brokerage.example.com"
	DefaultPaperRestURL = "https://paper-api.brokerage.example.com"
	DefaultEquitiesWS   = "wss://stream.brokerage.example.com/v2/equities"
	DefaultOptionsWS    = "wss://stream.brokerage.example.com/v1/options"
	DefaultTestWS       = "wss://stream.brokerage.example.com/v2/test"
	DefaultCanarySymbol = "FAKEPACA"

	DefaultAPITimeout = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRateLimit  = 3.0 // requests per second per session

	DefaultDBPort   = 5432
	DefaultDBSSL    = "prefer"
	DefaultMaxConns = 10
	DefaultMinConns = 2

	DefaultWarmupConcurrency = 8
	DefaultVerifyMaxAttempts = 3
	DefaultVerifyBaseDelay   = 500 * time.Millisecond
	DefaultReverifyEvery     = 50

	DefaultRoutingStrategy = "round_robin"

	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultHeartbeatTimeout     = 30 * time.Second
	DefaultHardReconnectTimeout = 90 * time.Second
	DefaultSubscribeTimeout     = 10 * time.Second
	DefaultSelfTestTimeout      = 15 * time.Second
	DefaultSubscriberQueueSize  = 256
	DefaultMaxSymbolsPerRequest = 100

	DefaultHealthCheckInterval = 10 * time.Second

	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
)

func (c *GatewayConfig) applyDefaults() {
	// Upstream defaults
	if c.Upstream.RestURL == "" {
		c.Upstream.RestURL = DefaultRestURL
	}
	if c.Upstream.PaperRestURL == "" {
		c.Upstream.PaperRestURL = DefaultPaperRestURL
	}
	if c.Upstream.EquitiesWS == "" {
		c.Upstream.EquitiesWS = DefaultEquitiesWS
	}
	if c.Upstream.OptionsWS == "" {
		c.Upstream.OptionsWS = DefaultOptionsWS
	}
	if c.Upstream.TestWS == "" {
		c.Upstream.TestWS = DefaultTestWS
	}
	if c.Upstream.CanarySymbol == "" {
		c.Upstream.CanarySymbol = DefaultCanarySymbol
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultAPITimeout
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = DefaultMaxRetries
	}
	if c.Upstream.RateLimit == 0 {
		c.Upstream.RateLimit = DefaultRateLimit
	}

	// Account source defaults
	if c.Accounts.Source == "" {
		c.Accounts.Source = "file"
	}
	if c.Accounts.Source == "postgres" {
		applyDBDefaults(&c.Accounts.Postgres)
	}

	// Pool defaults
	if c.Pool.WarmupConcurrency == 0 {
		c.Pool.WarmupConcurrency = DefaultWarmupConcurrency
	}
	if c.Pool.VerifyMaxAttempts == 0 {
		c.Pool.VerifyMaxAttempts = DefaultVerifyMaxAttempts
	}
	if c.Pool.VerifyBaseDelay == 0 {
		c.Pool.VerifyBaseDelay = DefaultVerifyBaseDelay
	}
	if c.Pool.ReverifyEvery == 0 {
		c.Pool.ReverifyEvery = DefaultReverifyEvery
	}

	// Routing defaults
	if c.Routing.Strategy == "" {
		c.Routing.Strategy = DefaultRoutingStrategy
	}

	// Stream defaults
	if c.Stream.ReconnectBaseDelay == 0 {
		c.Stream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Stream.ReconnectMaxDelay == 0 {
		c.Stream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Stream.HeartbeatTimeout == 0 {
		c.Stream.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Stream.HardReconnectTimeout == 0 {
		c.Stream.HardReconnectTimeout = DefaultHardReconnectTimeout
	}
	if c.Stream.SubscribeTimeout == 0 {
		c.Stream.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Stream.SelfTestTimeout == 0 {
		c.Stream.SelfTestTimeout = DefaultSelfTestTimeout
	}
	if c.Stream.SubscriberQueueSize == 0 {
		c.Stream.SubscriberQueueSize = DefaultSubscriberQueueSize
	}
	if c.Stream.MaxSymbolsPerRequest == 0 {
		c.Stream.MaxSymbolsPerRequest = DefaultMaxSymbolsPerRequest
	}

	// Health defaults
	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = DefaultHealthCheckInterval
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSL
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
