package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// SQLiteStore implements EventStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT PRIMARY KEY,
			events TEXT NOT NULL,
			event_count INTEGER NOT NULL,
			last_sequence_id INTEGER NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_updated ON run_events(updated_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save overwrites the persisted history of a run.
func (s *SQLiteStore) Save(ctx context.Context, runID string, events []domain.Event) error {
	if events == nil {
		events = []domain.Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode events for run %s: %w", runID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, events, event_count, last_sequence_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			events = excluded.events,
			event_count = excluded.event_count,
			last_sequence_id = excluded.last_sequence_id,
			updated_at = excluded.updated_at
	`, runID, string(data), len(events), lastSequenceID(events), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save events for run %s: %w", runID, err)
	}
	return nil
}

// Load returns the persisted history of a run.
func (s *SQLiteStore) Load(ctx context.Context, runID string) ([]domain.Event, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT events FROM run_events WHERE run_id = ?`, runID).Scan(&data)
	if err == sql.ErrNoRows {
		return []domain.Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load events for run %s: %w", runID, err)
	}
	return s.decode(runID, data), nil
}

// Delete removes the persisted history of a run.
func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete events for run %s: %w", runID, err)
	}
	return nil
}

// LoadAll returns every persisted run history, skipping undecodable records.
func (s *SQLiteStore) LoadAll(ctx context.Context) (map[string][]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, events FROM run_events ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load run events: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]domain.Event)
	for rows.Next() {
		var runID, data string
		if err := rows.Scan(&runID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan run events: %w", err)
		}
		events := s.decode(runID, data)
		if len(events) == 0 {
			continue
		}
		result[runID] = events
	}
	return result, rows.Err()
}

func (s *SQLiteStore) decode(runID, data string) []domain.Event {
	var events []domain.Event
	if err := json.Unmarshal([]byte(data), &events); err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("corrupt event record, treating as empty")
		return []domain.Event{}
	}
	if events == nil {
		return []domain.Event{}
	}
	return events
}
