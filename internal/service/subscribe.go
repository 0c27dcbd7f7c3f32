package service

import (
	"context"
	"errors"

	"github.com/xiaot623/gogo/runstream/internal/broker"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("service closed")

// Subscribe opens a feed on runID that replays every event after lastSeen
// (all events when lastSeen is nil) and then continues with live events.
// The snapshot and the registration happen under the run lock, so no event
// emitted concurrently is lost or duplicated. The caller must Close the
// feed on every exit path.
func (s *Service) Subscribe(ctx context.Context, runID string, lastSeen *int64) (*broker.Feed, error) {
	if runID == "" {
		return nil, ErrRunIDRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	h, err := s.acquire(runID)
	if err != nil {
		return nil, err
	}
	defer s.release(h)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		return nil, ErrRunTerminated
	}

	replay := s.log.GetSince(runID, lastSeen)
	sub := s.registry.Add(runID)

	logger := s.logger.With().Str("run_id", runID).Str("subscriber_id", sub.ID).Logger()
	event := logger.Info().Int("replay", len(replay))
	if lastSeen != nil {
		event = event.Int64("last_event_id", *lastSeen)
	}
	event.Msg("subscriber connected")

	return broker.NewFeed(replay, sub, lastSeen), nil
}
