package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okrlinkhub/agent-bridge/internal/config"
	"github.com/okrlinkhub/agent-bridge/internal/store"
	"github.com/okrlinkhub/agent-bridge/internal/store/memory"
	"github.com/okrlinkhub/agent-bridge/internal/store/postgres"
)

// openStore returns the configured backend. The postgres store is also
// returned separately so callers can reach its pool.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, *postgres.Store, error) {
	if cfg.Driver == "memory" {
		slog.Warn("using in-memory store; state is lost on restart")
		return memory.New(), nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}
	slog.Info("connected to database")

	pg := postgres.New(pool)
	return pg, pg, nil
}
