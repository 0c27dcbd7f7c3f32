package service

import (
	"context"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// TerminateResult describes the teardown of a run.
type TerminateResult struct {
	AlreadyTerminated bool
	DroppedEvents     int
	ClosedSubscribers int
	// PersistDeleteErr is set when the persisted history could not be
	// removed. In-memory state is gone regardless.
	PersistDeleteErr error
}

// State returns the lifecycle state of runID.
func (s *Service) State(runID string) domain.RunState {
	s.mu.Lock()
	tombstoned := s.isTombstonedLocked(runID)
	s.mu.Unlock()

	switch {
	case tombstoned:
		return domain.RunStateTerminated
	case s.log.Has(runID):
		return domain.RunStateActive
	default:
		return domain.RunStateUninitialized
	}
}

// Terminate tears down all state of runID: the in-memory history and
// counter, every subscription and the persisted record. Events already
// queued to a subscriber drain; any later emission fails with
// ErrRunTerminated. Terminating twice is not an error.
func (s *Service) Terminate(ctx context.Context, runID string) (*TerminateResult, error) {
	if runID == "" {
		return nil, ErrRunIDRequired
	}

	s.mu.Lock()
	if s.isTombstonedLocked(runID) {
		s.mu.Unlock()
		return &TerminateResult{AlreadyTerminated: true}, nil
	}
	s.tombstones[runID] = s.opts.Now().Add(s.opts.TombstoneTTL)
	h := s.runs[runID]
	delete(s.runs, runID)
	s.mu.Unlock()

	// wait for an in-flight emission or subscription to finish
	if h != nil {
		h.mu.Lock()
		h.terminated = true
		defer h.mu.Unlock()
	}

	result := &TerminateResult{}
	result.DroppedEvents = s.log.Drop(runID)
	result.ClosedSubscribers = s.registry.CloseRun(runID)
	if err := s.store.Delete(ctx, runID); err != nil {
		result.PersistDeleteErr = err
		s.logger.Error().Err(err).Str("run_id", runID).Msg("failed to delete persisted history")
	}

	if result.DroppedEvents > 0 {
		s.metrics.ActiveRuns.Dec()
	}
	s.metrics.RunsTerminated.Inc()
	s.logger.Info().
		Str("run_id", runID).
		Int("dropped_events", result.DroppedEvents).
		Int("closed_subscribers", result.ClosedSubscribers).
		Msg("run terminated")
	return result, nil
}
