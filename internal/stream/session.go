package stream

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/runstream/internal/broker"
	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/metrics"
	"github.com/xiaot623/gogo/runstream/internal/service"
)

// DefaultHeartbeat is the idle interval after which a ping is sent.
const DefaultHeartbeat = 15 * time.Second

// ExitReason says why a session ended.
type ExitReason string

const (
	ExitClientGone    ExitReason = "client_gone"
	ExitServerCancel  ExitReason = "server_cancel"
	ExitRunTerminated ExitReason = "run_terminated"
	ExitLagged        ExitReason = "lagged"
	ExitWriteFailed   ExitReason = "write_failed"
	ExitRejected      ExitReason = "rejected"
)

// Subscriber opens feeds on runs.
type Subscriber interface {
	Subscribe(ctx context.Context, runID string, lastSeen *int64) (*broker.Feed, error)
}

// FrameWriter delivers frames over one transport.
type FrameWriter interface {
	WriteFrame(f Frame) error
	Transport() string
}

// Session is one streaming connection: it replays history after LastSeen,
// then forwards live events, pinging while idle.
type Session struct {
	Subscriber Subscriber
	RunID      string
	LastSeen   *int64
	Writer     FrameWriter
	Encoder    *Encoder
	Heartbeat  time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Run drives the session until the client goes away, the server cancels
// ctx, the run is terminated, the subscriber lags or a write fails. The
// subscription is released on every exit path.
func (s *Session) Run(ctx context.Context) (reason ExitReason, err error) {
	if s.Encoder == nil {
		s.Encoder = NewEncoder(0, 0)
	}
	if s.Heartbeat <= 0 {
		s.Heartbeat = DefaultHeartbeat
	}
	logger := s.Logger.With().
		Str("run_id", s.RunID).
		Str("transport", s.Writer.Transport()).
		Logger()

	defer func() {
		if s.Metrics != nil {
			s.Metrics.StreamSessions.WithLabelValues(string(reason)).Inc()
		}
	}()

	// CONNECTING
	feed, err := s.Subscriber.Subscribe(ctx, s.RunID, s.LastSeen)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRunTerminated):
			_ = s.write(ErrorFrame(domain.ErrorCodeRunTerminated, "run has been terminated"))
			return ExitRunTerminated, nil
		case errors.Is(err, service.ErrClosed):
			_ = s.write(ErrorFrame(domain.ErrorCodeInternal, "server shutting down"))
			return ExitServerCancel, nil
		case ctx.Err() != nil:
			return ExitClientGone, nil
		default:
			_ = s.write(ErrorFrame(domain.ErrorCodeInternal, "failed to subscribe"))
			return ExitRejected, err
		}
	}
	defer feed.Close()

	logger = logger.With().Str("subscriber_id", feed.SubscriptionID()).Logger()
	defer func() {
		logger.Info().Str("reason", string(reason)).Msg("stream closed")
	}()

	// REPLAYING, then LIVE with IDLE-PING
	for {
		ev, err := feed.Next(ctx, s.Heartbeat)
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrIdle):
			logger.Debug().Msg("heartbeat")
			if werr := s.write(PingFrame(time.Now())); werr != nil {
				return ExitWriteFailed, werr
			}
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ExitClientGone, nil
		case errors.Is(err, broker.ErrRunClosed):
			return ExitRunTerminated, nil
		case errors.Is(err, broker.ErrLagged):
			logger.Warn().Msg("subscriber lagged, asking client to resume")
			_ = s.write(ErrorFrame(domain.ErrorCodeLagged, "subscriber fell behind; reconnect with the last received id"))
			return ExitLagged, nil
		default:
			// ErrShutdown or ErrUnsubscribed
			return ExitServerCancel, nil
		}

		frames, err := s.Encoder.Encode(ev)
		if err != nil {
			logger.Error().Err(err).Int64("sequence_id", ev.SequenceID).Msg("failed to encode event")
			continue
		}
		for _, f := range frames {
			if err := s.write(f); err != nil {
				return ExitWriteFailed, err
			}
		}
	}
}

func (s *Session) write(f Frame) error {
	if err := s.Writer.WriteFrame(f); err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.FramesSent.WithLabelValues(string(f.Type), s.Writer.Transport()).Inc()
	}
	return nil
}
