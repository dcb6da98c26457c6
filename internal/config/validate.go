package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *GatewayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Accounts.Source {
	case "file":
		if len(c.Accounts.Entries) == 0 {
			return errors.New("accounts.entries must not be empty when accounts.source is \"file\"")
		}
	case "postgres":
		if err := c.Accounts.Postgres.validate("accounts.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("accounts.source must be \"file\" or \"postgres\", got %q", c.Accounts.Source)
	}

	switch c.Routing.Strategy {
	case "round_robin", "least_loaded", "random":
	default:
		return fmt.Errorf("routing.strategy must be round_robin, least_loaded, or random, got %q", c.Routing.Strategy)
	}

	if c.Pool.WarmupConcurrency < 1 {
		return errors.New("pool.warmup_concurrency must be >= 1")
	}
	if c.Pool.VerifyMaxAttempts < 1 {
		return errors.New("pool.verify_max_attempts must be >= 1")
	}
	if c.Pool.ReverifyEvery < 1 {
		return errors.New("pool.reverify_every must be >= 1")
	}

	if c.Stream.ReconnectBaseDelay > c.Stream.ReconnectMaxDelay {
		return fmt.Errorf("stream.reconnect_base_delay (%v) cannot exceed reconnect_max_delay (%v)",
			c.Stream.ReconnectBaseDelay, c.Stream.ReconnectMaxDelay)
	}
	if c.Stream.HeartbeatTimeout >= c.Stream.HardReconnectTimeout {
		return fmt.Errorf("stream.heartbeat_timeout (%v) must be less than hard_reconnect_timeout (%v)",
			c.Stream.HeartbeatTimeout, c.Stream.HardReconnectTimeout)
	}
	if c.Stream.SubscriberQueueSize < 1 {
		return errors.New("stream.subscriber_queue_size must be >= 1")
	}
	if c.Stream.MaxSymbolsPerRequest < 1 {
		return errors.New("stream.max_symbols_per_request must be >= 1")
	}

	if c.Health.CheckInterval <= 0 {
		return errors.New("health.check_interval must be positive")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
