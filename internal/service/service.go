// Package service implements the run event service: emission, subscription
// and run lifecycle on top of the event log, the subscriber registry and
// the durable event store.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/runstream/internal/broker"
	"github.com/xiaot623/gogo/runstream/internal/eventlog"
	"github.com/xiaot623/gogo/runstream/internal/metrics"
	"github.com/xiaot623/gogo/runstream/internal/repository"
)

var (
	// ErrRunTerminated is returned when emitting to or subscribing on a
	// run that has been terminated.
	ErrRunTerminated = errors.New("run terminated")
	// ErrInvalidKind is returned for unknown kinds and for REPORT on Emit.
	ErrInvalidKind = errors.New("invalid event kind")
	// ErrRunIDRequired is returned when the run id is empty.
	ErrRunIDRequired = errors.New("run_id is required")
	// ErrInvalidPayload is returned when a payload is not valid JSON.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Options tunes a Service.
type Options struct {
	SubscriberBuffer int
	TombstoneTTL     time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// runHandle serializes emission and subscription on one run.
type runHandle struct {
	mu         sync.Mutex
	refs       int // guarded by Service.mu
	terminated bool
}

// Service is the single per-process owner of run event state. It is
// created by the process entry point and handed to the transports and the
// pipeline runner.
type Service struct {
	store    repository.EventStore
	log      *eventlog.Log
	registry *broker.Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	opts     Options

	mu         sync.Mutex
	runs       map[string]*runHandle
	tombstones map[string]time.Time
	closed     bool
}

// New creates a new Service.
func New(store repository.EventStore, m *metrics.Metrics, logger zerolog.Logger, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if m == nil {
		m = metrics.New()
	}
	s := &Service{
		store:      store,
		log:        eventlog.New(),
		registry:   broker.NewRegistry(opts.SubscriberBuffer),
		metrics:    m,
		logger:     logger.With().Str("component", "run_service").Logger(),
		opts:       opts,
		runs:       make(map[string]*runHandle),
		tombstones: make(map[string]time.Time),
	}
	s.registry.OnChange(func(total int) {
		s.metrics.ActiveSubscribers.Set(float64(total))
	})
	return s
}

// acquire returns the handle of runID with its reference held. The caller
// must call release.
func (s *Service) acquire(runID string) (*runHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isTombstonedLocked(runID) {
		return nil, ErrRunTerminated
	}
	h, ok := s.runs[runID]
	if !ok {
		h = &runHandle{}
		s.runs[runID] = h
	}
	h.refs++
	return h, nil
}

func (s *Service) release(h *runHandle) {
	s.mu.Lock()
	h.refs--
	s.mu.Unlock()
}

func (s *Service) isTombstonedLocked(runID string) bool {
	expires, ok := s.tombstones[runID]
	if !ok {
		return false
	}
	if s.opts.TombstoneTTL > 0 && !s.opts.Now().Before(expires) {
		delete(s.tombstones, runID)
		return false
	}
	return true
}

// Recover loads every persisted run into memory. It must run before the
// service accepts traffic. Counters resume after the highest persisted id.
func (s *Service) Recover(ctx context.Context) (int, error) {
	all, err := s.store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	for runID, events := range all {
		s.log.Restore(runID, events)
		last, _ := s.log.LastSequenceID(runID)
		s.logger.Info().
			Str("run_id", runID).
			Int("events", len(events)).
			Int64("next_sequence_id", last+1).
			Msg("recovered run from store")
	}
	s.metrics.ActiveRuns.Set(float64(len(s.log.Runs())))
	return len(all), nil
}

// Sweep forgets expired tombstones and handles of runs that have neither
// history nor subscribers.
func (s *Service) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for runID := range s.tombstones {
		s.isTombstonedLocked(runID)
	}
	for runID, h := range s.runs {
		if h.refs == 0 && !s.log.Has(runID) && s.registry.Count(runID) == 0 {
			delete(s.runs, runID)
		}
	}
}

// Run sweeps periodically until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close ends every live subscription. Persisted histories are kept so a
// restart can recover them.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	n := s.registry.Shutdown()
	s.logger.Info().Int("subscribers", n).Msg("closed live subscriptions")
}

// Subscribers returns the number of live subscriptions across all runs.
func (s *Service) Subscribers() int {
	return s.registry.Total()
}

// Runs returns the ids of runs with in-memory history.
func (s *Service) Runs() []string {
	return s.log.Runs()
}
