// Package repository provides durable persistence of run event histories.
package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/runstream/internal/config"
	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// EventStore persists the full ordered event list of each run.
//
// Save is a full overwrite. Load returns an empty slice, never an error,
// for a missing or undecodable record.
type EventStore interface {
	Save(ctx context.Context, runID string, events []domain.Event) error
	Load(ctx context.Context, runID string) ([]domain.Event, error)
	Delete(ctx context.Context, runID string) error
	LoadAll(ctx context.Context) (map[string][]domain.Event, error)
	Close() error
}

// Open creates the event store selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (EventStore, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return NewSQLiteStore(cfg.DatabaseURL, logger)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client, cfg.RedisKeyPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func lastSequenceID(events []domain.Event) int64 {
	if len(events) == 0 {
		return -1
	}
	return events[len(events)-1].SequenceID
}
