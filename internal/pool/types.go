package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"brokergate/internal/account"
)

// Errors
var (
	// ErrAccountUnavailable means the requested account is unknown,
	// disabled, or has no usable slots at all. The caller asked for
	// something the pool can never satisfy; no other account is
	// substituted.
	ErrAccountUnavailable = errors.New("account unavailable")

	// ErrPoolExhausted means no slot became Idle before the caller's
	// deadline. Retryable with backoff.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrPoolClosed means the pool has been shut down.
	ErrPoolClosed = errors.New("pool closed")
)

// SlotState is the lifecycle state of a connection slot.
type SlotState int32

const (
	StateIdle SlotState = iota
	StateInUse
	StateUnhealthy
	StateClosed
)

func (s SlotState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the authenticated REST handle held by a slot.
type Session interface {
	Verify(ctx context.Context) error
}

// SessionFactory creates a session for an account. Injected so tests can
// substitute fakes for real REST sessions.
type SessionFactory func(acct account.Account) Session

// Slot is one pre-authenticated, reusable session bound to an account.
type Slot struct {
	acct    account.Account
	session Session
	id      int

	mu         sync.Mutex
	state      SlotState
	lastUsedAt time.Time
	useCount   int64
}

// Account returns the owning account.
func (s *Slot) Account() account.Account {
	return s.acct
}

// Session returns the authenticated REST handle.
func (s *Slot) Session() Session {
	return s.session
}

// State returns the current slot state.
func (s *Slot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UseCount returns how many times this slot has been released.
func (s *Slot) UseCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCount
}

// LastUsedAt returns the time of the last release.
func (s *Slot) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

func (s *Slot) markInUse() {
	s.mu.Lock()
	s.state = StateInUse
	s.mu.Unlock()
}

// markIdle transitions to Idle, stamps usage, and returns the new use count.
func (s *Slot) markIdle() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.lastUsedAt = time.Now()
	s.useCount++
	return s.useCount
}

func (s *Slot) markUnhealthy() {
	s.mu.Lock()
	s.state = StateUnhealthy
	s.mu.Unlock()
}

func (s *Slot) markClosed() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// Config holds pool settings.
type Config struct {
	WarmupConcurrency int           // global cap on concurrent slot verification
	VerifyMaxAttempts int           // verification attempts before marking Unhealthy
	VerifyBaseDelay   time.Duration // base delay between verification attempts
	ReverifyEvery     int           // every Nth release re-verifies the slot
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WarmupConcurrency: 8,
		VerifyMaxAttempts: 3,
		VerifyBaseDelay:   500 * time.Millisecond,
		ReverifyEvery:     50,
	}
}

// AccountStatus is a read-only snapshot of one account's slots.
type AccountStatus struct {
	AccountID string
	Idle      int
	InUse     int
	Unhealthy int
	Closed    int
}

// Usable returns the number of slots counting toward capacity.
func (s AccountStatus) Usable() int {
	return s.Idle + s.InUse
}
