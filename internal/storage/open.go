package storage

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage/memory"
	pgstore "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage/postgres"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage/sqlite"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/postgres"
)

// Open returns the backend selected by cfg.Storage.Driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		client, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		s, err := pgstore.New(ctx, client)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
