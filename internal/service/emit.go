package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// EmitResult reports the independently failable steps of one emission.
type EmitResult struct {
	Event domain.Event
	// PersistErr is nil when the history including Event was flushed to
	// the event store.
	PersistErr error
	Delivered  int
	Evicted    int
}

// Durable reports whether the event reached the event store.
func (r *EmitResult) Durable() bool {
	return r.PersistErr == nil
}

// Emit appends a progress event to runID and delivers it to live
// subscribers. REPORT is reserved for EmitReport.
func (s *Service) Emit(ctx context.Context, runID, sourceID string, kind domain.EventKind, message string, payload any) (*EmitResult, error) {
	if !kind.Valid() || kind == domain.EventKindReport {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return s.emit(ctx, runID, sourceID, kind, message, raw)
}

// EmitReport publishes the terminal report of runID through the same
// ordered channel as progress events. The payload is wrapped under
// domain.ReportPayloadKey.
func (s *Service) EmitReport(ctx context.Context, runID string, report any) (*EmitResult, error) {
	raw, err := encodePayload(report)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{domain.ReportPayloadKey: raw})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return s.emit(ctx, runID, domain.ReportSourceID, domain.EventKindReport, "Final report generated.", wrapped)
}

func (s *Service) emit(ctx context.Context, runID, sourceID string, kind domain.EventKind, message string, payload json.RawMessage) (*EmitResult, error) {
	if runID == "" {
		return nil, ErrRunIDRequired
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

	logger := s.logger.With().Str("run_id", runID).Logger()
	isNew := !s.log.Has(runID)

	ev := domain.Event{
		RunID:      runID,
		SequenceID: s.log.NextSequenceID(runID),
		SourceID:   sourceID,
		Kind:       kind,
		Message:    message,
		Payload:    payload,
		Timestamp:  s.opts.Now().UTC(),
	}
	if isNew {
		s.metrics.ActiveRuns.Inc()
	}

	if err := s.log.Append(runID, ev); err != nil {
		logger.Error().Err(err).Int64("sequence_id", ev.SequenceID).Msg("failed to append event")
	}

	result := &EmitResult{Event: ev}
	if err := s.store.Save(ctx, runID, s.log.Snapshot(runID)); err != nil {
		result.PersistErr = err
		s.metrics.PersistFailures.Inc()
		logger.Error().Err(err).Int64("sequence_id", ev.SequenceID).Msg("failed to persist run history")
	}

	result.Delivered, result.Evicted = s.registry.Publish(runID, ev)
	if result.Evicted > 0 {
		s.metrics.EvictedSubscribers.Add(float64(result.Evicted))
		logger.Warn().
			Int("evicted", result.Evicted).
			Int64("sequence_id", ev.SequenceID).
			Msg("evicted lagging subscribers")
	}
	s.metrics.EventsEmitted.WithLabelValues(string(kind)).Inc()

	logger.Debug().
		Int64("sequence_id", ev.SequenceID).
		Str("source_id", sourceID).
		Str("kind", string(kind)).
		Int("delivered", result.Delivered).
		Msg("event emitted")
	return result, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return data, nil
	}
}
