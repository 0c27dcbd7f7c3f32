package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

const scanBatch = 100

// RedisStore implements EventStore with one string key per run.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisStore creates a store on an existing client. Keys are
// "<prefix>:<run_id>".
func NewRedisStore(client *redis.Client, prefix string, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
		logger: logger.With().Str("component", "redis_store").Logger(),
	}
}

func (s *RedisStore) key(runID string) string {
	return s.prefix + ":" + runID
}

// Save overwrites the persisted history of a run.
func (s *RedisStore) Save(ctx context.Context, runID string, events []domain.Event) error {
	if events == nil {
		events = []domain.Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode events for run %s: %w", runID, err)
	}
	if err := s.client.Set(ctx, s.key(runID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save events for run %s: %w", runID, err)
	}
	return nil
}

// Load returns the persisted history of a run.
func (s *RedisStore) Load(ctx context.Context, runID string) ([]domain.Event, error) {
	data, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []domain.Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load events for run %s: %w", runID, err)
	}
	return s.decode(runID, data), nil
}

// Delete removes the persisted history of a run.
func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, s.key(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete events for run %s: %w", runID, err)
	}
	return nil
}

// LoadAll scans every key under the prefix.
func (s *RedisStore) LoadAll(ctx context.Context) (map[string][]domain.Event, error) {
	result := make(map[string][]domain.Event)
	iter := s.client.Scan(ctx, 0, s.prefix+":*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		runID := strings.TrimPrefix(key, s.prefix+":")
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load events for run %s: %w", runID, err)
		}
		if events := s.decode(runID, data); len(events) > 0 {
			result[runID] = events
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan run events: %w", err)
	}
	return result, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) decode(runID string, data []byte) []domain.Event {
	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("corrupt event record, treating as empty")
		return []domain.Event{}
	}
	if events == nil {
		return []domain.Event{}
	}
	return events
}
