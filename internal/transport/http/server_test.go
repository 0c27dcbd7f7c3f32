package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runstream/internal/config"
	"github.com/xiaot623/gogo/runstream/internal/metrics"
	"github.com/xiaot623/gogo/runstream/internal/pipeline"
	"github.com/xiaot623/gogo/runstream/internal/service"
	"github.com/xiaot623/gogo/runstream/internal/testutil"
)

func newTestService(t *testing.T, m *metrics.Metrics) *service.Service {
	t.Helper()
	svc := service.New(testutil.NewTestSQLiteStore(t), m, zerolog.Nop(), service.Options{TombstoneTTL: time.Hour})
	t.Cleanup(svc.Close)
	return svc
}

func TestExternalServerExposesMetrics(t *testing.T) {
	m := metrics.New()
	svc := newTestService(t, m)
	runner := pipeline.NewRunner(svc, nil, 0, zerolog.Nop())
	t.Cleanup(func() { _ = runner.Shutdown(context.Background()) })

	e := NewExternalServer(svc, runner, nil, config.Default(), m, zerolog.Nop())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "runstream_http_requests_total"), body)
	require.True(t, strings.Contains(body, `path="/health"`), body)
}

func TestExternalServerCORS(t *testing.T) {
	m := metrics.New()
	svc := newTestService(t, m)
	runner := pipeline.NewRunner(svc, nil, 0, zerolog.Nop())
	t.Cleanup(func() { _ = runner.Shutdown(context.Background()) })

	cfg := config.Default()
	cfg.AllowedOrigins = []string{"http://viewer.local"}
	e := NewExternalServer(svc, runner, nil, cfg, m, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://viewer.local")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, "http://viewer.local", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInternalServerRoutes(t *testing.T) {
	m := metrics.New()
	svc := newTestService(t, m)
	e := NewInternalServer(svc, nil, m, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/internal/runs/r1/events",
		strings.NewReader(`{"source_id":"EHRAgent","kind":"ACTIVE","message":"loading"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, svc.Events("r1", nil), 1)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
