package database

import (
	"fmt"
	"net/url"

	"brokergate/internal/config"
)

// BuildConnString renders a DBConfig as the postgres:// URL pgxpool
// expects. The password is percent-escaped so reserved characters
// survive URL parsing; sslmode falls back to "prefer" when unset.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port, cfg.Name, sslMode)
}
