package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a := New()
	b := New()

	a.EventsEmitted.WithLabelValues("ACTIVE").Inc()
	a.EventsEmitted.WithLabelValues("ACTIVE").Inc()

	require.Equal(t, 2.0, testutil.ToFloat64(a.EventsEmitted.WithLabelValues("ACTIVE")))
	require.Equal(t, 0.0, testutil.ToFloat64(b.EventsEmitted.WithLabelValues("ACTIVE")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	m.PersistFailures.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "runstream_http_requests_total")
	require.Contains(t, body, "runstream_events_persist_failures_total 1")
}
