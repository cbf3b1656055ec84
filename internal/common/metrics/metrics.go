package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbox publisher metrics

	// OutboxPublished tracks rows drained from the outbox into the broker
	OutboxPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Total outbox rows published to the main queue",
		},
	)

	// OutboxPublishFailures tracks publish attempts rejected by the broker
	OutboxPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Subsystem: "outbox",
			Name:      "publish_failures_total",
			Help:      "Total broker publish failures in the outbox publisher",
		},
	)

	// OutboxBatchDuration tracks the duration of one claim/publish/delete cycle
	OutboxBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orderflow",
			Subsystem: "outbox",
			Name:      "batch_duration_seconds",
			Help:      "Time to drain one claimed outbox batch",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Broker metrics

	// BrokerReconnects tracks connection rebuilds per component
	BrokerReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Total broker connection rebuilds",
		},
		[]string{"component"},
	)

	// Pipeline metrics

	// PipelineProcessed tracks consumed deliveries by outcome
	PipelineProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Subsystem: "pipeline",
			Name:      "processed_total",
			Help:      "Total deliveries handled by the pipeline worker",
		},
		[]string{"result"}, // success, retry, dlq, duplicate, skipped, malformed
	)

	// PipelineStageDuration tracks per-stage adapter latency
	PipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orderflow",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each backend stage",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"}, // cms, ros, wms
	)

	// PipelineRetriesScheduled tracks retry envelopes republished
	PipelineRetriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Subsystem: "pipeline",
			Name:      "retries_scheduled_total",
			Help:      "Total retries republished to the retry queue",
		},
	)

	// Notifier metrics

	// NotifierPushes tracks status/driver pushes to the intake facade
	NotifierPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Subsystem: "notifier",
			Name:      "pushes_total",
			Help:      "Total best-effort pushes to the intake facade",
		},
		[]string{"kind", "result"}, // kind: status, driver; result: ok, error, open
	)

	// NotifierCircuitBreakerState reports the facade breaker state
	// (0=closed, 1=open, 2=half-open)
	NotifierCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orderflow",
			Subsystem: "notifier",
			Name:      "circuit_breaker_state",
			Help:      "State of the facade push circuit breaker",
		},
	)

	// Terminator metrics

	// DriverAssignments tracks terminal driver assignment outcomes
	DriverAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Subsystem: "pipeline",
			Name:      "driver_assignments_total",
			Help:      "Total driver assignment attempts at pipeline completion",
		},
		[]string{"result"}, // assigned, existing, no_driver, error
	)
)

// Circuit breaker state values for NotifierCircuitBreakerState
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
