// Package metrics defines the Prometheus collectors of runstream.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runstream"

// Metrics holds the collectors of one service instance on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsEmitted       *prometheus.CounterVec
	PersistFailures     prometheus.Counter
	ActiveRuns          prometheus.Gauge
	ActiveSubscribers   prometheus.Gauge
	EvictedSubscribers  prometheus.Counter
	FramesSent          *prometheus.CounterVec
	StreamSessions      *prometheus.CounterVec
	RunsTerminated      prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Events emitted, by kind.",
			},
			[]string{"kind"},
		),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "persist_failures_total",
			Help:      "Emissions whose history could not be persisted.",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "active",
			Help:      "Runs with in-memory state.",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "active",
			Help:      "Live stream subscriptions.",
		}),
		EvictedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "evicted_total",
			Help:      "Subscriptions evicted because their buffer was full.",
		}),
		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "frames_sent_total",
				Help:      "Outward frames written, by frame type and transport.",
			},
			[]string{"type", "transport"},
		),
		StreamSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "sessions_total",
				Help:      "Finished stream sessions, by exit reason.",
			},
			[]string{"reason"},
		),
		RunsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "terminated_total",
			Help:      "Runs torn down by their owner.",
		}),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsEmitted,
		m.PersistFailures,
		m.ActiveRuns,
		m.ActiveSubscribers,
		m.EvictedSubscribers,
		m.FramesSent,
		m.StreamSessions,
		m.RunsTerminated,
		m.HTTPRequests,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest observes one finished HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.HTTPRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
