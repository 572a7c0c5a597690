package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/hypershell/hypershell/internal/apperr"
	"github.com/hypershell/hypershell/internal/store/postgres"
)

var initdbCommand = &cli.Command{
	Name:  "initdb",
	Usage: "apply the schema to a server-backed database (postgres); embedded backends initialize automatically",
	Action: func(c *cli.Context) error {
		settings, logger, err := loadApp(c)
		if err != nil {
			return err
		}
		if settings.Database.Provider != "postgres" {
			logger.Info("embedded backend initializes automatically, nothing to do", "provider", settings.Database.Provider)
			return nil
		}

		ctx := c.Context
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", settings.Database.User, settings.Database.Password, settings.Database.Host, settings.Database.Port, settings.Database.Schema)
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return apperr.Database(fmt.Errorf("connect: %w", err))
		}
		defer pool.Close()

		if _, err := pool.Exec(ctx, postgres.Schema); err != nil {
			return apperr.Database(fmt.Errorf("apply schema: %w", err))
		}
		logger.Info("schema applied")
		return nil
	},
}
