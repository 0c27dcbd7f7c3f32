// Package http provides the HTTP servers for runstream.
package http

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/runstream/internal/config"
	"github.com/xiaot623/gogo/runstream/internal/metrics"
	"github.com/xiaot623/gogo/runstream/internal/pipeline"
	"github.com/xiaot623/gogo/runstream/internal/service"
	"github.com/xiaot623/gogo/runstream/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/gogo/runstream/internal/transport/http/v1"
)

// NewExternalServer creates and configures the public HTTP server.
// This server handles simulations, event streams and report retrieval.
func NewExternalServer(svc *service.Service, runner *pipeline.Runner, logs v1.RunLogs, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
	}))
	e.Use(recordMetrics(m))

	// Handlers
	v1Handler := v1.NewHandler(svc, runner, logs, cfg, m, logger)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	return e
}

// NewInternalServer creates and configures the internal HTTP server.
// This server accepts events from out-of-process pipeline stages.
func NewInternalServer(svc *service.Service, p internalapi.Policy, m *metrics.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(recordMetrics(m))

	// Handlers
	internalHandler := internalapi.NewHandler(svc, p, logger)

	// Register Routes
	internalHandler.RegisterRoutes(e)

	return e
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := logger.Info()
			if v.Error != nil {
				evt = logger.Warn().Err(v.Error)
			}
			evt.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Msg("request")
			return nil
		},
	})
}

func recordMetrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = 500
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			m.RecordHTTPRequest(c.Request().Method, path, status, time.Since(start))
			return err
		}
	}
}
