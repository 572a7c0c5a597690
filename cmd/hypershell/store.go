package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hypershell/hypershell/internal/config"
	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/store/postgres"
	"github.com/hypershell/hypershell/internal/store/sqlite"
)

// openStore builds the configured store.Store provider (spec §9
// database.provider).
func openStore(ctx context.Context, db config.Database, logger *slog.Logger) (store.Store, func(), error) {
	switch db.Provider {
	case "postgres":
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", db.User, db.Password, db.Host, db.Port, db.Schema)
		pool, err := postgres.NewPool(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect postgres: %w", err)
		}
		st := postgres.New(pool, logger)
		return st, func() { st.Close() }, nil
	default:
		st, err := sqlite.Open(db.File)
		if err != nil {
			return nil, nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		return st, func() { st.Close() }, nil
	}
}
