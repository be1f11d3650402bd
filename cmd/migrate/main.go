package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"pricewave.io/engine/common/logger"
	"pricewave.io/engine/core/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Setup(cfg)

	// golang-migrate selects its database driver by URL scheme; pgx5 routes
	// to the pgx/v5 driver so we reuse the pool's connection settings.
	dsn := strings.Replace(cfg.DB.DSN, "postgres://", "pgx5://", 1)

	m, err := migrate.New("file://migrations", dsn)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create migrate instance", "error", err)
		os.Exit(1)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			slog.WarnContext(ctx, "closing migration source", "error", srcErr)
		}
		if dbErr != nil {
			slog.WarnContext(ctx, "closing migration database", "error", dbErr)
		}
	}()

	slog.InfoContext(ctx, "running database migrations")

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.InfoContext(ctx, "database schema already up to date")
			return
		}
		slog.ErrorContext(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "migrations completed")
}
