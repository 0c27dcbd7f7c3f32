// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/repository"
)

// ErrStoreUnavailable is returned by FlakyStore while failing.
var ErrStoreUnavailable = errors.New("store unavailable")

// NewTestSQLiteStore returns an in-memory SQLite event store closed at the
// end of the test.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// FlakyStore wraps an EventStore and fails writes while Failing is set.
type FlakyStore struct {
	repository.EventStore

	mu      sync.Mutex
	failing bool
	saves   int
}

// NewFlakyStore wraps inner.
func NewFlakyStore(inner repository.EventStore) *FlakyStore {
	return &FlakyStore{EventStore: inner}
}

// SetFailing toggles write failures.
func (f *FlakyStore) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

// Saves returns the number of successful saves.
func (f *FlakyStore) Saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *FlakyStore) Save(ctx context.Context, runID string, events []domain.Event) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return ErrStoreUnavailable
	}
	if err := f.EventStore.Save(ctx, runID, events); err != nil {
		return err
	}
	f.mu.Lock()
	f.saves++
	f.mu.Unlock()
	return nil
}

func (f *FlakyStore) Delete(ctx context.Context, runID string) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return ErrStoreUnavailable
	}
	return f.EventStore.Delete(ctx, runID)
}
