// Package account loads and validates brokerage account definitions.
//
// Accounts are immutable once loaded: the Registry hands out value
// copies, so concurrent reads need no synchronization. Paper/live
// classification happens exactly once at load time from the account id
// prefix and is never recomputed.
package account

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"brokergate/internal/config"
)

// Type classifies an account as paper or live trading.
type Type string

const (
	TypePaper Type = "paper"
	TypeLive  Type = "live"
)

// paperIDPrefix is the brokerage's paper-account id prefix.
const paperIDPrefix = "PA"

// ErrNoUsableAccounts is returned when zero enabled accounts survive
// load-time validation. This is fatal: the gateway cannot route anything.
var ErrNoUsableAccounts = errors.New("no usable accounts after validation")

// Account is one set of brokerage credentials with its own slot budget.
// Immutable after load.
type Account struct {
	ID             string
	DisplayName    string
	APIKey         string
	APISecret      string
	Type           Type
	Tier           string
	MaxConnections int
	Enabled        bool
}

// IsPaper reports whether the account was classified as paper at load time.
func (a Account) IsPaper() bool {
	return a.Type == TypePaper
}

// classify derives the account type from the id prefix rule.
func classify(id string) Type {
	if strings.HasPrefix(id, paperIDPrefix) {
		return TypePaper
	}
	return TypeLive
}

// Registry holds loaded accounts. Read-only after Load.
type Registry struct {
	byID    map[string]Account
	ordered []string // enabled account ids, sorted (stable routing order)
}

// Load validates account entries and builds a Registry.
//
// Malformed or disabled entries are dropped with a warning rather than
// failing the load, unless zero enabled accounts remain.
func Load(entries []config.AccountEntry, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	byID := make(map[string]Account, len(entries))
	var ordered []string

	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			logger.Warn("dropping malformed account entry", "id", e.ID, "error", err)
			continue
		}
		if _, dup := byID[e.ID]; dup {
			logger.Warn("dropping duplicate account entry", "id", e.ID)
			continue
		}

		acctType := classify(e.ID)
		if e.PaperTrading != (acctType == TypePaper) {
			// The id prefix is authoritative; a contradicting flag means
			// the entry was provisioned wrong.
			logger.Warn("dropping account with paper_trading flag contradicting id prefix",
				"id", e.ID,
				"paper_trading", e.PaperTrading,
				"classified", acctType,
			)
			continue
		}

		if !e.Enabled {
			logger.Warn("skipping disabled account", "id", e.ID)
			continue
		}

		byID[e.ID] = Account{
			ID:             e.ID,
			DisplayName:    e.DisplayName,
			APIKey:         e.APIKey,
			APISecret:      e.APISecret,
			Type:           acctType,
			Tier:           e.Tier,
			MaxConnections: e.MaxConnections,
			Enabled:        true,
		}
		ordered = append(ordered, e.ID)
	}

	if len(ordered) == 0 {
		return nil, fmt.Errorf("%w: %d entries provided", ErrNoUsableAccounts, len(entries))
	}

	sort.Strings(ordered)

	logger.Info("account registry loaded",
		"enabled", len(ordered),
		"dropped", len(entries)-len(ordered),
	)

	return &Registry{byID: byID, ordered: ordered}, nil
}

func validateEntry(e config.AccountEntry) error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	if e.APIKey == "" {
		return errors.New("api_key is required")
	}
	if e.APISecret == "" {
		return errors.New("api_secret is required")
	}
	if e.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be >= 1, got %d", e.MaxConnections)
	}
	return nil
}

// Get returns the enabled account with the given id.
func (r *Registry) Get(id string) (Account, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// EnabledIDs returns the sorted ids of all enabled accounts. The
// returned slice is a copy.
func (r *Registry) EnabledIDs() []string {
	ids := make([]string, len(r.ordered))
	copy(ids, r.ordered)
	return ids
}

// Enabled returns all enabled accounts in sorted id order.
func (r *Registry) Enabled() []Account {
	accounts := make([]Account, 0, len(r.ordered))
	for _, id := range r.ordered {
		accounts = append(accounts, r.byID[id])
	}
	return accounts
}

// Len returns the number of enabled accounts.
func (r *Registry) Len() int {
	return len(r.ordered)
}
