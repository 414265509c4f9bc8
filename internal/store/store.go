// Package store persists rooms, messages and clusters in SQLite or Postgres.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"qnasession/internal/config"
	"qnasession/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (domain.ClusterStore, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(config.ExpandPath(cfg.DBPath), logger)
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("store.databaseUrl is required for the postgres driver")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
