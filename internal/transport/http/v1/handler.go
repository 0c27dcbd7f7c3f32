// Package v1 provides the public HTTP handlers for runstream.
package v1

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/runstream/internal/config"
	"github.com/xiaot623/gogo/runstream/internal/metrics"
	"github.com/xiaot623/gogo/runstream/internal/pipeline"
	"github.com/xiaot623/gogo/runstream/internal/service"
	"github.com/xiaot623/gogo/runstream/internal/stream"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// RunLogs returns the captured log lines of a run.
type RunLogs interface {
	Lines(runID string) []string
}

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	runner   *pipeline.Runner
	logs     RunLogs
	cfg      *config.Config
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	encoder  *stream.Encoder
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler.
// A nil logs serves every run with an empty log.
func NewHandler(svc *service.Service, runner *pipeline.Runner, logs RunLogs, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *Handler {
	return &Handler{
		service: svc,
		runner:  runner,
		logs:    logs,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "http").Logger(),
		encoder: stream.NewEncoder(cfg.ChunkThreshold, cfg.ChunkSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

// RegisterRoutes registers public routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Simulation API
	e.POST("/simulate", h.Simulate)

	// Streaming API
	e.GET("/stream/:run_id", h.StreamRun)
	e.GET("/ws/:run_id", h.StreamRunWS)

	// Pull API
	e.GET("/report/:run_id", h.GetReport)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)

	// Diagnostics API
	e.GET("/logs/:run_id", h.GetRunLogs)
	e.GET("/state/:run_id/:source_id", h.GetSourceState)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     Version,
		"runs":        len(h.service.Runs()),
		"subscribers": h.service.Subscribers(),
	})
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}
