// Package route selects an account (and a pool slot) for a request.
//
// Strategies form a closed set dispatched by configuration. Sticky
// hashing maps a key to the same account for as long as the
// enabled-account set is unchanged,
// and round-robin advances a shared atomic counter. The router never
// falls back to "any account" when an explicit criterion cannot be
// satisfied.
package route

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"

	"brokergate/internal/account"
	"brokergate/internal/pool"
)

// Strategy is the fallback selection policy used when a request carries
// neither an explicit account id nor a routing key.
type Strategy int

const (
	StrategyRoundRobin Strategy = iota
	StrategyLeastLoaded
	StrategyRandom // testing only, never the production default
)

// ParseStrategy converts a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "round_robin":
		return StrategyRoundRobin, nil
	case "least_loaded":
		return StrategyLeastLoaded, nil
	case "random":
		return StrategyRandom, nil
	default:
		return 0, fmt.Errorf("unknown routing strategy %q", s)
	}
}

func (s Strategy) String() string {
	switch s {
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyLeastLoaded:
		return "least_loaded"
	case StrategyRandom:
		return "random"
	default:
		return "unknown"
	}
}

// Criteria is the ephemeral, request-scoped routing input.
type Criteria struct {
	AccountID  string // explicit account, no fallback when set
	RoutingKey string // sticky-hash key
	Symbol     string // used as the sticky key when RoutingKey is empty
}

// ErrNoAccountAvailable means no enabled account could satisfy the
// criteria.
var ErrNoAccountAvailable = errors.New("no account available")

// Router selects accounts and slots. It reads pool state only through
// pool operations and never mutates slots directly.
type Router struct {
	registry *account.Registry
	pool     *pool.Pool
	strategy Strategy
	logger   *slog.Logger

	rr atomic.Uint64
}

// New creates a Router over the given registry and pool.
func New(registry *account.Registry, p *pool.Pool, strategy Strategy, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		pool:     p,
		strategy: strategy,
		logger:   logger,
	}
}

// Select resolves the criteria to an account and acquires a slot from it.
// Priority: explicit account id, then sticky hashing on the routing key
// (or symbol), then the configured fallback strategy.
//
// The caller must Release the slot when done.
func (r *Router) Select(ctx context.Context, criteria Criteria) (account.Account, *pool.Slot, error) {
	acct, err := r.SelectAccount(criteria)
	if err != nil {
		return account.Account{}, nil, err
	}

	slot, err := r.pool.Acquire(ctx, acct.ID)
	if err != nil {
		return account.Account{}, nil, err
	}
	return acct, slot, nil
}

// Release returns a slot to the pool.
func (r *Router) Release(slot *pool.Slot) {
	r.pool.Release(slot)
}

// SelectAccount resolves the criteria to an account without acquiring a
// slot. The stream gateway uses this to pick the credential set for each
// data channel through the same policy as REST traffic.
func (r *Router) SelectAccount(criteria Criteria) (account.Account, error) {
	// 1. Explicit account id: exact match, loud failure, no fallback.
	if criteria.AccountID != "" {
		acct, ok := r.registry.Get(criteria.AccountID)
		if !ok {
			return account.Account{}, fmt.Errorf("%w: account %q is unknown or disabled",
				pool.ErrAccountUnavailable, criteria.AccountID)
		}
		return acct, nil
	}

	ids := r.registry.EnabledIDs()
	if len(ids) == 0 {
		return account.Account{}, ErrNoAccountAvailable
	}

	// 2. Sticky hashing on the routing key (symbol doubles as the key).
	key := criteria.RoutingKey
	if key == "" {
		key = criteria.Symbol
	}
	if key != "" {
		return r.lookup(ids[stickyIndex(key, len(ids))])
	}

	// 3-5. Configured fallback strategy.
	switch r.strategy {
	case StrategyLeastLoaded:
		return r.lookup(r.leastLoaded(ids))
	case StrategyRandom:
		return r.lookup(ids[rand.IntN(len(ids))])
	default:
		n := r.rr.Add(1) - 1
		return r.lookup(ids[n%uint64(len(ids))])
	}
}

func (r *Router) lookup(id string) (account.Account, error) {
	acct, ok := r.registry.Get(id)
	if !ok {
		return account.Account{}, fmt.Errorf("%w: account %q vanished from registry",
			ErrNoAccountAvailable, id)
	}
	return acct, nil
}

// stickyIndex deterministically maps a key onto the sorted enabled-id
// list. FNV-1a keeps the mapping stable across processes and restarts.
func stickyIndex(key string, n int) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}

// leastLoaded picks the account with the fewest InUse slots; ties break
// by id order because ids arrive sorted.
func (r *Router) leastLoaded(ids []string) string {
	best := ids[0]
	bestLoad := r.pool.InUse(best)
	for _, id := range ids[1:] {
		if load := r.pool.InUse(id); load < bestLoad {
			best = id
			bestLoad = load
		}
	}
	return best
}
