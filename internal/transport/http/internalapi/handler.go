// Package internalapi provides handlers for internal service-to-service
// communication: out-of-process pipeline stages append events, publish
// reports and terminate runs through it.
package internalapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/runstream/internal/policy"
	"github.com/xiaot623/gogo/runstream/internal/service"
)

// Policy decides whether a request is admitted.
type Policy interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// Handler handles internal API requests.
type Handler struct {
	service *service.Service
	policy  Policy
	logger  zerolog.Logger
}

// NewHandler creates a new internal API handler. A nil policy admits
// every request.
func NewHandler(svc *service.Service, p Policy, logger zerolog.Logger) *Handler {
	return &Handler{
		service: svc,
		policy:  p,
		logger:  logger.With().Str("component", "internalapi").Logger(),
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/internal/runs/:run_id/events", h.AppendEvent)
	e.POST("/internal/runs/:run_id/report", h.PublishReport)
	e.POST("/internal/runs/:run_id/terminate", h.TerminateRun)
}

func errorJSON(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrRunTerminated):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidKind),
		errors.Is(err, service.ErrRunIDRequired),
		errors.Is(err, service.ErrInvalidPayload):
		status = http.StatusBadRequest
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// admit evaluates the policy and writes the rejection when the request is
// not allowed.
func (h *Handler) admit(c echo.Context, input policy.Input) (bool, error) {
	if h.policy == nil {
		return true, nil
	}
	input.RemoteIP = c.RealIP()
	d, err := h.policy.Evaluate(c.Request().Context(), input)
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", input.RunID).Msg("policy evaluation failed")
		return false, c.JSON(http.StatusInternalServerError, map[string]string{"error": "policy evaluation failed"})
	}
	if !d.Allowed {
		h.logger.Warn().
			Str("run_id", input.RunID).
			Str("action", input.Action).
			Str("source_id", input.SourceID).
			Str("reason", d.Reason).
			Msg("request denied by policy")
		msg := "denied by policy"
		if d.Reason != "" {
			msg += ": " + d.Reason
		}
		return false, c.JSON(http.StatusForbidden, map[string]string{"error": msg})
	}
	return true, nil
}
