package account

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"brokergate/internal/config"
)

// LoadFromPostgres reads account definitions from the accounts table and
// runs them through the same validation path as file entries.
func LoadFromPostgres(ctx context.Context, db *pgxpool.Pool, logger *slog.Logger) (*Registry, error) {
	rows, err := db.Query(ctx, `
		SELECT id, display_name, api_key, api_secret, paper_trading,
		       tier, max_connections, enabled
		FROM accounts
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var entries []config.AccountEntry
	for rows.Next() {
		var e config.AccountEntry
		if err := rows.Scan(
			&e.ID,
			&e.DisplayName,
			&e.APIKey,
			&e.APISecret,
			&e.PaperTrading,
			&e.Tier,
			&e.MaxConnections,
			&e.Enabled,
		); err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account rows: %w", err)
	}

	return Load(entries, logger)
}
