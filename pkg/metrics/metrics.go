// Package metrics exposes the process-wide Prometheus registry and the
// counters/histograms/gauges instrumenting the saga engine, outbox/inbox,
// failover proxy, and event collector.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	core "github.com/campaignforge/sagaflow/internal/app/core/service"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sagaflow",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagaflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sagaflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	sagaStepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagaflow",
			Subsystem: "saga",
			Name:      "step_outcomes_total",
			Help:      "Saga step attempts grouped by saga type, step name, and outcome.",
		},
		[]string{"saga_type", "step", "outcome"},
	)

	sagaStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sagaflow",
			Subsystem: "saga",
			Name:      "step_duration_seconds",
			Help:      "Duration of saga step executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"saga_type", "step"},
	)

	sagaActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sagaflow",
			Subsystem: "saga",
			Name:      "instances_by_state",
			Help:      "Current number of saga instances in each state.",
		},
		[]string{"saga_type", "state"},
	)

	compensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagaflow",
			Subsystem: "saga",
			Name:      "compensations_total",
			Help:      "Compensating actions executed, grouped by step and outcome.",
		},
		[]string{"saga_type", "step", "outcome"},
	)

	outboxPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sagaflow",
			Subsystem: "outbox",
			Name:      "pending_messages",
			Help:      "Outbox rows awaiting publish, by originating service.",
		},
		[]string{"service"},
	)

	outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagaflow",
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Outbox rows published to the event bus.",
		},
		[]string{"service", "topic", "outcome"},
	)

	outboxDrainLag = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sagaflow",
			Subsystem: "outbox",
			Name:      "drain_lag_seconds",
			Help:      "Time between outbox row creation and successful publish.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"service"},
	)

	inboxDuplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagaflow",
			Subsystem: "inbox",
			Name:      "dedup_results_total",
			Help:      "Inbox dedup checks grouped by consumer and result (first|duplicate).",
		},
		[]string{"consumer", "result"},
	)

	busRedeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagaflow",
			Subsystem: "eventbus",
			Name:      "redeliveries_total",
			Help:      "Message redelivery attempts grouped by topic and subscription.",
		},
		[]string{"topic", "subscription"},
	)

	busDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagaflow",
			Subsystem: "eventbus",
			Name:      "dead_lettered_total",
			Help:      "Messages moved to a dead-letter topic after exceeding max redeliveries.",
		},
		[]string{"topic", "subscription"},
	)

	proxyCutovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagaflow",
			Subsystem: "proxy",
			Name:      "cutovers_total",
			Help:      "Active/standby cutovers performed by the failover proxy.",
		},
		[]string{"upstream_group", "direction"},
	)

	proxyUpstreamHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sagaflow",
			Subsystem: "proxy",
			Name:      "upstream_healthy",
			Help:      "Health of each proxy upstream (1=healthy, 0=unhealthy).",
		},
		[]string{"upstream_group", "upstream"},
	)

	collectorEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagaflow",
			Subsystem: "collector",
			Name:      "events_total",
			Help:      "Tracking events ingested, grouped by outcome (accepted|discarded|failed).",
		},
		[]string{"outcome", "reason"},
	)

	collectorRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagaflow",
			Subsystem: "collector",
			Name:      "rate_limited_total",
			Help:      "Tracking events rejected by the fixed-window rate limiter.",
		},
		[]string{"affiliate_id"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		sagaStepOutcomes,
		sagaStepDuration,
		sagaActive,
		compensationsTotal,
		outboxPending,
		outboxPublished,
		outboxDrainLag,
		inboxDuplicates,
		busRedeliveries,
		busDeadLettered,
		proxyCutovers,
		proxyUpstreamHealth,
		collectorEvents,
		collectorRateLimited,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSagaStep records the outcome and duration of one saga step attempt.
func RecordSagaStep(sagaType, step, outcome string, duration time.Duration) {
	sagaStepOutcomes.WithLabelValues(sagaType, step, outcome).Inc()
	sagaStepDuration.WithLabelValues(sagaType, step).Observe(duration.Seconds())
}

// RecordSagaStates replaces the saga-instance-by-state gauge with a fresh
// snapshot, keyed by saga type and state.
func RecordSagaStates(sagaType string, counts map[string]int) {
	for state, count := range counts {
		sagaActive.WithLabelValues(sagaType, state).Set(float64(count))
	}
}

// RecordCompensation records one compensating-action attempt.
func RecordCompensation(sagaType, step, outcome string) {
	compensationsTotal.WithLabelValues(sagaType, step, outcome).Inc()
}

// RecordOutboxPending sets the current pending-row gauge for a service.
func RecordOutboxPending(service string, pending int) {
	outboxPending.WithLabelValues(service).Set(float64(pending))
}

// RecordOutboxPublish records a publish attempt and its end-to-end lag.
func RecordOutboxPublish(service, topic, outcome string, lag time.Duration) {
	outboxPublished.WithLabelValues(service, topic, outcome).Inc()
	if outcome == "ok" {
		outboxDrainLag.WithLabelValues(service).Observe(lag.Seconds())
	}
}

// RecordInboxDedup records a C3 SeenOrMark outcome.
func RecordInboxDedup(consumer, result string) {
	inboxDuplicates.WithLabelValues(consumer, result).Inc()
}

// RecordBusRedelivery records one redelivery attempt for a subscription.
func RecordBusRedelivery(topic, subscription string) {
	busRedeliveries.WithLabelValues(topic, subscription).Inc()
}

// RecordBusDeadLetter records a message moved to its topic's DLQ.
func RecordBusDeadLetter(topic, subscription string) {
	busDeadLettered.WithLabelValues(topic, subscription).Inc()
}

// RecordProxyCutover records an active/standby cutover ("promote" or "demote").
func RecordProxyCutover(group, direction string) {
	proxyCutovers.WithLabelValues(group, direction).Inc()
}

// RecordProxyUpstreamHealth sets the health gauge for one upstream.
func RecordProxyUpstreamHealth(group, upstream string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	proxyUpstreamHealth.WithLabelValues(group, upstream).Set(val)
}

// RecordCollectorEvent records one tracking-event ingestion outcome.
func RecordCollectorEvent(outcome, reason string) {
	if reason == "" {
		reason = "none"
	}
	collectorEvents.WithLabelValues(outcome, reason).Inc()
}

// RecordCollectorRateLimited records a tracking event rejected for exceeding
// its affiliate's fixed-window budget.
func RecordCollectorRateLimited(affiliateID string) {
	collectorRateLimited.WithLabelValues(affiliateID).Inc()
}

// ObservationHooks builds core.ObservationHooks backed by a per-name
// in-flight gauge and duration histogram, the same adapter pattern used to
// wire ad hoc operations (sweepers, drainers) into Prometheus without a
// bespoke metric per call site.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	if err := Registry.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			gauge = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	if err := Registry.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			hist = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return core.ObservationHooks{
		OnStart: func(_ context.Context, meta map[string]string) {
			gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(_ context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func metaLabel(meta map[string]string) string {
	if id, ok := meta["resource"]; ok && id != "" {
		return id
	}
	return "unknown"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/:id"
}
