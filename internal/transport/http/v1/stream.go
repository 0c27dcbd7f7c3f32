package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/runstream/internal/stream"
)

const (
	// sseRetryMs is the reconnection delay hinted to EventSource clients.
	sseRetryMs = 3000
	// wsReadLimit bounds control messages a client may send.
	wsReadLimit = 4096
	// wsCloseGrace is how long the server waits for the client's close reply.
	wsCloseGrace = time.Second
)

var errClientGone = errors.New("client gone")

// StreamRun streams the events of a run as server-sent events.
// GET /stream/:run_id
func (h *Handler) StreamRun(c echo.Context) error {
	runID := c.Param("run_id")
	lastSeen := h.resumeToken(c, runID)

	w, err := stream.NewSSEWriter(c.Response(), sseRetryMs)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	reason, err := h.session(runID, lastSeen, w).Run(c.Request().Context())
	if err != nil {
		h.logger.Debug().Err(err).Str("run_id", runID).Str("reason", string(reason)).Msg("sse session ended with error")
	}
	return nil
}

// StreamRunWS streams the events of a run over a WebSocket.
// GET /ws/:run_id
func (h *Handler) StreamRunWS(c echo.Context) error {
	runID := c.Param("run_id")
	lastSeen := h.resumeToken(c, runID)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		h.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to upgrade websocket")
		return nil
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	writer := stream.NewWSWriter(conn, 0)
	g, ctx := errgroup.WithContext(c.Request().Context())

	// reader: the client only sends control frames, a read error means it left
	g.Go(func() error {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug().Err(err).Str("run_id", runID).Msg("websocket read error")
				}
				return errClientGone
			}
		}
	})

	var reason stream.ExitReason
	g.Go(func() error {
		var err error
		reason, err = h.session(runID, lastSeen, writer).Run(ctx)
		if reason != stream.ExitClientGone && reason != stream.ExitWriteFailed {
			_ = writer.Close(string(reason))
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsCloseGrace))
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errClientGone) && !errors.Is(err, context.Canceled) {
		h.logger.Debug().Err(err).Str("run_id", runID).Str("reason", string(reason)).Msg("websocket session ended with error")
	}
	return nil
}

func (h *Handler) session(runID string, lastSeen *int64, w stream.FrameWriter) *stream.Session {
	return &stream.Session{
		Subscriber: h.service,
		RunID:      runID,
		LastSeen:   lastSeen,
		Writer:     w,
		Encoder:    h.encoder,
		Heartbeat:  h.cfg.HeartbeatInterval,
		Logger:     h.logger,
		Metrics:    h.metrics,
	}
}

// resumeToken reads the resume point of a stream request. A malformed
// token is logged and treated as no token.
func (h *Handler) resumeToken(c echo.Context, runID string) *int64 {
	header := c.Request().Header.Get("Last-Event-ID")
	query := c.QueryParam("last_event_id")
	lastSeen, err := stream.ParseResumeToken(header, query)
	if err != nil {
		h.logger.Warn().
			Str("run_id", runID).
			Str("header", header).
			Str("query", query).
			Msg("ignoring malformed resume token, replaying full history")
		return nil
	}
	return lastSeen
}
