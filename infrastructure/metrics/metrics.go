// Package metrics provides a per-service Prometheus instrument bundle for
// use by infrastructure/middleware.MetricsMiddleware, independent from the
// process-wide collectors in pkg/metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the HTTP instrumentation a single service registers.
type Metrics struct {
	inFlight prometheus.Gauge
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates a Metrics bundle registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics bundle registered against reg, so tests
// can use a scratch *prometheus.Registry instead of the global default.
func NewWithRegistry(serviceName string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "sagaflow",
			Subsystem:   "service",
			Name:        "inflight_requests",
			Help:        "In-flight HTTP requests for this service instance.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "sagaflow",
			Subsystem:   "service",
			Name:        "requests_total",
			Help:        "HTTP requests handled by this service instance.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}, []string{"method", "path", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "sagaflow",
			Subsystem:   "service",
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration for this service instance.",
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 10),
			ConstLabels: prometheus.Labels{"service": serviceName},
		}, []string{"method", "path"}),
	}
	if reg != nil {
		reg.MustRegister(m.inFlight, m.requests, m.duration)
	}
	return m
}

// IncrementInFlight increments the in-flight request gauge.
func (m *Metrics) IncrementInFlight() { m.inFlight.Inc() }

// DecrementInFlight decrements the in-flight request gauge.
func (m *Metrics) DecrementInFlight() { m.inFlight.Dec() }

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(serviceName, method, path, status string, duration time.Duration) {
	m.requests.WithLabelValues(method, path, status).Inc()
	m.duration.WithLabelValues(method, path).Observe(duration.Seconds())
}
