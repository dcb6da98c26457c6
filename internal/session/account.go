package session

import (
	"context"
	"fmt"
)

// AccountDetails is the subset of the upstream account resource the
// gateway cares about.
type AccountDetails struct {
	ID            string `json:"id"`
	AccountNumber string `json:"account_number"`
	Status        string `json:"status"`
	Currency      string `json:"currency"`
	TradeBlocked  bool   `json:"trading_blocked"`
}

// GetAccount fetches the upstream account resource for this session's
// credentials.
func (c *Client) GetAccount(ctx context.Context) (*AccountDetails, error) {
	var details AccountDetails
	if err := c.get(ctx, "/v2/account", nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// Verify performs the cheap credential check used by the pool before a
// slot is marked Idle. It confirms the credentials resolve to an active,
// unblocked account.
func (c *Client) Verify(ctx context.Context) error {
	details, err := c.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	if details.Status != "ACTIVE" {
		return fmt.Errorf("verify session: account status %q", details.Status)
	}
	if details.TradeBlocked {
		return fmt.Errorf("verify session: account is trade-blocked")
	}
	return nil
}
