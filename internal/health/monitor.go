// Package health periodically inspects pool and channel state and keeps
// a snapshot for the status surface. Checks are read-only and never block
// request-path work.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"brokergate/internal/pool"
	"brokergate/internal/stream"
)

// PoolSource provides pool state to check.
type PoolSource interface {
	Status() []pool.AccountStatus
}

// StreamSource provides channel state to check.
type StreamSource interface {
	Status() []stream.ChannelStatus
}

// Config holds monitor configuration.
type Config struct {
	CheckInterval    time.Duration // time between checks (default: 15s)
	HeartbeatTimeout time.Duration // channel last-message age considered stale
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    15 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
	}
}

// Snapshot is one health check result.
type Snapshot struct {
	Healthy   bool                   `json:"healthy"`
	CheckedAt time.Time              `json:"checked_at"`
	Accounts  []pool.AccountStatus   `json:"accounts"`
	Channels  []stream.ChannelStatus `json:"channels"`
	Problems  []string               `json:"problems,omitempty"`
}

// Monitor runs the periodic checks.
type Monitor struct {
	cfg     Config
	pools   PoolSource
	streams StreamSource
	logger  *slog.Logger

	mu   sync.RWMutex
	last Snapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. Either source may be nil, in which case that
// side is skipped.
func New(cfg Config, pools PoolSource, streams StreamSource, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		pools:   pools,
		streams: streams,
		logger:  logger,
	}
}

// Start begins the check loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("health monitor started", "interval", m.cfg.CheckInterval)
	return nil
}

// Stop gracefully shuts down the monitor.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("health monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the most recent check result.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	// Check immediately on start.
	m.check(time.Now())

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.check(now)
		}
	}
}

// check computes one snapshot. Split out from the loop so tests can
// drive it without timers.
func (m *Monitor) check(now time.Time) Snapshot {
	snap := Snapshot{Healthy: true, CheckedAt: now}

	if m.pools != nil {
		snap.Accounts = m.pools.Status()
		usable := 0
		for _, st := range snap.Accounts {
			usable += st.Usable()
			if st.Unhealthy > 0 {
				m.logger.Warn("account has unhealthy slots",
					"account", st.AccountID, "unhealthy", st.Unhealthy)
			}
		}
		if usable == 0 {
			snap.Healthy = false
			snap.Problems = append(snap.Problems, "no usable pool slots")
		}
	}

	if m.streams != nil {
		snap.Channels = m.streams.Status()
		for _, st := range snap.Channels {
			if st.Halted {
				snap.Healthy = false
				snap.Problems = append(snap.Problems, "channel "+string(st.Channel)+" halted")
				continue
			}
			stale := !st.LastMessageAt.IsZero() &&
				now.Sub(st.LastMessageAt) > m.cfg.HeartbeatTimeout
			if stale {
				snap.Healthy = false
				snap.Problems = append(snap.Problems, "channel "+string(st.Channel)+" stale")
				m.logger.Warn("channel has gone quiet",
					"channel", string(st.Channel),
					"last_message_at", st.LastMessageAt,
					"state", st.State)
			}
		}
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	if !snap.Healthy {
		m.logger.Warn("health check failed", "problems", snap.Problems)
	}
	return snap
}
