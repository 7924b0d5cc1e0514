package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Metrics implements billsync.Metrics using Prometheus.
type Metrics struct {
	reconcileTotal             *prometheus.CounterVec
	reconcileDuration          *prometheus.HistogramVec
	versionConflictsTotal      prometheus.Counter
	storeRetriesTotal          *prometheus.CounterVec
	storeOpsDuration           *prometheus.HistogramVec
	storeOpsErrors             *prometheus.CounterVec
	auditGapsTotal             prometheus.Counter
	reviewFlagsTotal           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reconcileTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Total number of reconciliations by source and outcome.",
		}, []string{"source", "outcome"}),

		reconcileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Latency of reconciliations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		versionConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Total number of compare-and-swap conflicts.",
		}),

		storeRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Total number of retried store operations.",
		}, []string{"operation"}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of store operation errors.",
		}, []string{"operation"}),

		auditGapsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_gaps_total",
			Help:      "Total number of transitions whose audit entry could not be written.",
		}),

		reviewFlagsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_flags_total",
			Help:      "Total number of unrecognized subscription statuses.",
		}, []string{"status"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordReconcile(source billsync.Source, outcome billsync.Outcome, duration time.Duration) {
	m.reconcileTotal.WithLabelValues(string(source), string(outcome)).Inc()
	m.reconcileDuration.WithLabelValues(string(source)).Observe(duration.Seconds())
}

func (m *Metrics) RecordVersionConflict() {
	m.versionConflictsTotal.Inc()
}

func (m *Metrics) RecordStoreRetry(operation string) {
	m.storeRetriesTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordAuditGap() {
	m.auditGapsTotal.Inc()
}

// RecordReviewFlag counts unrecognized statuses. The raw value is bounded
// to keep label cardinality under control.
func (m *Metrics) RecordReviewFlag(status billsync.Status) {
	label := string(status)
	if len(label) > 32 {
		label = label[:32]
	}
	m.reviewFlagsTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
