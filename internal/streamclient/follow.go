package streamclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// Transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

var (
	// ErrRunTerminated is returned when the server reports the run is gone.
	ErrRunTerminated = errors.New("run terminated")
	// ErrStop may be returned by an EventHandler to end Follow cleanly.
	ErrStop = errors.New("stop following")

	errTerminal = errors.New("terminal event received")
)

// EventHandler is called once per event, in sequence order.
type EventHandler func(ev domain.Event) error

// Follower tails a run stream and reconnects from the last received id
// until a terminal event, an explicit stop or cancellation.
type Follower struct {
	BaseURL        string
	Transport      string
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Backoff        BackoffConfig
	MaxAttempts    int
	StopOnTerminal bool
	Logger         zerolog.Logger
}

// NewFollower returns a follower with default clients and backoff.
func NewFollower(baseURL string, logger zerolog.Logger) *Follower {
	return &Follower{
		BaseURL:        strings.TrimSuffix(baseURL, "/"),
		Transport:      TransportSSE,
		HTTPClient:     &http.Client{},
		Dialer:         websocket.DefaultDialer,
		Backoff:        DefaultBackoff,
		StopOnTerminal: true,
		Logger:         logger,
	}
}

// Follow streams events of runID after lastSeen to handler. It returns the
// last sequence id delivered so a caller can resume later.
func (f *Follower) Follow(ctx context.Context, runID string, lastSeen *int64, handler EventHandler) (*int64, error) {
	last := lastSeen
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	logger := f.Logger.With().Str("run_id", runID).Str("transport", f.Transport).Logger()
	attempt := 0

	for {
		progressed := false
		deliver := func(ev domain.Event) error {
			if last != nil && ev.SequenceID <= *last {
				return nil
			}
			id := ev.SequenceID
			last = &id
			progressed = true
			if err := handler(ev); err != nil {
				return err
			}
			if f.StopOnTerminal && ev.Kind.Terminal() {
				return errTerminal
			}
			return nil
		}

		var err error
		if f.Transport == TransportWebSocket {
			err = f.followWS(ctx, runID, last, deliver)
		} else {
			err = f.followSSE(ctx, runID, last, deliver)
		}

		var streamErr *StreamError
		switch {
		case errors.Is(err, errTerminal), errors.Is(err, ErrStop):
			return last, nil
		case errors.As(err, &streamErr) && streamErr.Code == domain.ErrorCodeRunTerminated:
			return last, ErrRunTerminated
		case ctx.Err() != nil:
			return last, ctx.Err()
		case errors.As(err, &streamErr) && streamErr.Code == domain.ErrorCodeLagged:
			logger.Warn().Msg("server dropped lagging stream, resuming")
			attempt = 0
			continue
		}

		if progressed {
			attempt = 0
		}
		attempt++
		if f.MaxAttempts > 0 && attempt > f.MaxAttempts {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return last, fmt.Errorf("giving up after %d attempts: %w", f.MaxAttempts, err)
		}

		delay := NextBackoffDelay(f.Backoff, attempt, rng)
		event := logger.Info().Int("attempt", attempt).Dur("delay", delay)
		if last != nil {
			event = event.Int64("last_event_id", *last)
		}
		event.AnErr("cause", err).Msg("stream dropped, reconnecting")

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (f *Follower) followSSE(ctx context.Context, runID string, last *int64, deliver func(domain.Event) error) error {
	endpoint := f.BaseURL + "/stream/" + url.PathEscape(runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if last != nil {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(*last, 10))
	}

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream returned status %d: %s", resp.StatusCode, string(body))
	}

	var asm Assembler
	return ParseSSE(resp.Body, func(frame RawFrame) error {
		ev, err := asm.Push(frame)
		if err != nil {
			return err
		}
		if ev == nil {
			return nil
		}
		return deliver(*ev)
	})
}

func (f *Follower) followWS(ctx context.Context, runID string, last *int64, deliver func(domain.Event) error) error {
	u, err := url.Parse(f.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(runID)
	if last != nil {
		q := u.Query()
		q.Set("last_event_id", strconv.FormatInt(*last, 10))
		u.RawQuery = q.Encode()
	}

	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var asm Assembler
	for {
		var env domain.WSEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		ev, err := asm.Push(RawFrame{ID: env.ID, Event: string(env.Type), Data: string(env.Data)})
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}
		if err := deliver(*ev); err != nil {
			return err
		}
	}
}
