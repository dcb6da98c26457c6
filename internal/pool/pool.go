// Package pool maintains pre-warmed, verified REST sessions ("slots")
// for every enabled account.
//
// Each account owns its own free-list, so acquire/release on different
// accounts never contend. The pool is the only component that mutates
// slot state; routing reads it through pool-provided operations.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"brokergate/internal/account"
	"brokergate/internal/metrics"
)

// accountSlots holds one account's slots and free-list. The free channel
// is the queue of Idle slots; its capacity equals the account's
// MaxConnections, so a release can never block.
type accountSlots struct {
	acct account.Account

	mu    sync.Mutex
	slots []*Slot

	free   chan *Slot
	usable atomic.Int32 // slots in {Idle, InUse}
}

// Pool owns every account's connection slots.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	newSession SessionFactory
	accounts   map[string]*accountSlots

	closed atomic.Bool
}

// New creates a pool for all enabled accounts in the registry. Slots are
// not created until Warmup is called.
func New(cfg Config, registry *account.Registry, factory SessionFactory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	accounts := make(map[string]*accountSlots, registry.Len())
	for _, acct := range registry.Enabled() {
		accounts[acct.ID] = &accountSlots{
			acct: acct,
			free: make(chan *Slot, acct.MaxConnections),
		}
	}

	return &Pool{
		cfg:        cfg,
		logger:     logger,
		newSession: factory,
		accounts:   accounts,
	}
}

// Warmup concurrently creates and verifies up to MaxConnections slots per
// account, bounded by the global warm-up concurrency limit so the
// upstream auth endpoint is not stampeded. A slot that fails verification
// after the attempt limit is kept as Unhealthy and excluded from capacity.
//
// Warmup fails only when zero usable slots exist across all accounts.
func (p *Pool) Warmup(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(p.cfg.WarmupConcurrency))
	var wg sync.WaitGroup

	for _, ap := range p.accounts {
		for i := 0; i < ap.acct.MaxConnections; i++ {
			wg.Add(1)
			go func(ap *accountSlots, id int) {
				defer wg.Done()

				if err := sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer sem.Release(1)

				p.warmSlot(ctx, ap, id)
			}(ap, i)
		}
	}

	wg.Wait()

	total := 0
	for _, ap := range p.accounts {
		n := int(ap.usable.Load())
		total += n
		p.logger.Info("account warmed",
			"account", ap.acct.ID,
			"usable_slots", n,
			"max_connections", ap.acct.MaxConnections,
		)
	}

	if total == 0 {
		return fmt.Errorf("pool warmup: no slot passed verification")
	}

	p.logger.Info("pool warmed up", "usable_slots", total, "accounts", len(p.accounts))
	return nil
}

// warmSlot creates one slot, verifies it with backoff, and either adds it
// to the free-list or records it as Unhealthy.
func (p *Pool) warmSlot(ctx context.Context, ap *accountSlots, id int) {
	slot := &Slot{
		acct:    ap.acct,
		session: p.newSession(ap.acct),
		id:      id,
		state:   StateUnhealthy,
	}

	ap.mu.Lock()
	ap.slots = append(ap.slots, slot)
	ap.mu.Unlock()

	if err := p.verifyWithRetry(ctx, slot); err != nil {
		p.logger.Warn("slot failed verification, marked unhealthy",
			"account", ap.acct.ID,
			"slot", id,
			"error", err,
		)
		metrics.PoolVerifyFailures.WithLabelValues(ap.acct.ID).Inc()
		return
	}

	slot.mu.Lock()
	slot.state = StateIdle
	slot.mu.Unlock()

	ap.usable.Add(1)
	ap.free <- slot
}

// verifyWithRetry runs the cheap verification call with exponential
// backoff up to the configured attempt limit.
func (p *Pool) verifyWithRetry(ctx context.Context, slot *Slot) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.VerifyBaseDelay

	var lastErr error
	for attempt := 1; attempt <= p.cfg.VerifyMaxAttempts; attempt++ {
		lastErr = slot.session.Verify(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == p.cfg.VerifyMaxAttempts {
			break
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = p.cfg.VerifyBaseDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return lastErr
}

// Acquire returns the next Idle slot for the given account, marking it
// InUse. It blocks until the caller's context deadline when no slot is
// Idle; the deadline expiring yields ErrPoolExhausted. An unknown,
// disabled, or fully-unhealthy account yields ErrAccountUnavailable;
// the pool never substitutes a different account.
func (p *Pool) Acquire(ctx context.Context, accountID string) (*Slot, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	ap, ok := p.accounts[accountID]
	if !ok {
		metrics.PoolAcquires.WithLabelValues(accountID, "unavailable").Inc()
		return nil, fmt.Errorf("%w: unknown or disabled account %q", ErrAccountUnavailable, accountID)
	}
	if ap.usable.Load() == 0 {
		metrics.PoolAcquires.WithLabelValues(accountID, "unavailable").Inc()
		return nil, fmt.Errorf("%w: account %q has no usable slots", ErrAccountUnavailable, accountID)
	}

	select {
	case slot := <-ap.free:
		slot.markInUse()
		metrics.PoolAcquires.WithLabelValues(accountID, "ok").Inc()
		return slot, nil
	default:
	}

	select {
	case slot := <-ap.free:
		slot.markInUse()
		metrics.PoolAcquires.WithLabelValues(accountID, "ok").Inc()
		return slot, nil
	case <-ctx.Done():
		metrics.PoolAcquires.WithLabelValues(accountID, "exhausted").Inc()
		return nil, fmt.Errorf("%w: account %q: %v", ErrPoolExhausted, accountID, ctx.Err())
	}
}

// Release returns a slot to its account's free-list, marking it Idle and
// stamping usage. Every Nth release the slot is instead re-verified
// asynchronously: it rejoins the free-list only if verification passes,
// and is demoted to Unhealthy (removed from capacity) if not. The caller
// never blocks on re-verification.
func (p *Pool) Release(slot *Slot) {
	if p.closed.Load() {
		slot.markClosed()
		return
	}

	ap, ok := p.accounts[slot.acct.ID]
	if !ok {
		return
	}

	n := slot.markIdle()

	if p.cfg.ReverifyEvery > 0 && n%int64(p.cfg.ReverifyEvery) == 0 {
		go p.reverify(ap, slot)
		return
	}

	ap.free <- slot
}

// reverify runs one opportunistic verification off the release path.
func (p *Pool) reverify(ap *accountSlots, slot *Slot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := slot.session.Verify(ctx); err != nil {
		slot.markUnhealthy()
		ap.usable.Add(-1)
		metrics.PoolVerifyFailures.WithLabelValues(ap.acct.ID).Inc()
		p.logger.Warn("slot demoted to unhealthy on re-verification",
			"account", ap.acct.ID,
			"slot", slot.id,
			"error", err,
		)
		return
	}

	ap.free <- slot
}

// InUse returns how many of the account's slots are currently InUse.
// Used by least-loaded routing.
func (p *Pool) InUse(accountID string) int {
	ap, ok := p.accounts[accountID]
	if !ok {
		return 0
	}

	ap.mu.Lock()
	defer ap.mu.Unlock()

	n := 0
	for _, slot := range ap.slots {
		if slot.State() == StateInUse {
			n++
		}
	}
	return n
}

// HasUsableSlots reports whether the account has any capacity at all.
func (p *Pool) HasUsableSlots(accountID string) bool {
	ap, ok := p.accounts[accountID]
	return ok && ap.usable.Load() > 0
}

// Status returns a per-account snapshot of slot states, sorted by
// account id, and refreshes the slot gauges.
func (p *Pool) Status() []AccountStatus {
	statuses := make([]AccountStatus, 0, len(p.accounts))

	for id, ap := range p.accounts {
		st := AccountStatus{AccountID: id}

		ap.mu.Lock()
		for _, slot := range ap.slots {
			switch slot.State() {
			case StateIdle:
				st.Idle++
			case StateInUse:
				st.InUse++
			case StateUnhealthy:
				st.Unhealthy++
			case StateClosed:
				st.Closed++
			}
		}
		ap.mu.Unlock()

		metrics.PoolSlots.WithLabelValues(id, "idle").Set(float64(st.Idle))
		metrics.PoolSlots.WithLabelValues(id, "in_use").Set(float64(st.InUse))
		metrics.PoolSlots.WithLabelValues(id, "unhealthy").Set(float64(st.Unhealthy))

		statuses = append(statuses, st)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].AccountID < statuses[j].AccountID
	})
	return statuses
}

// Close shuts the pool down: all slots are marked Closed and further
// Acquire calls fail with ErrPoolClosed.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	for _, ap := range p.accounts {
		// Drain the free-list so no slot is handed out mid-shutdown.
		for {
			select {
			case slot := <-ap.free:
				slot.markClosed()
				continue
			default:
			}
			break
		}

		ap.mu.Lock()
		for _, slot := range ap.slots {
			slot.markClosed()
		}
		ap.mu.Unlock()
	}

	p.logger.Info("pool closed")
}
