package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const subsystem = "billing"

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	checkoutSessionsTotal     *prometheus.CounterVec
	cancellationsTotal        *prometheus.CounterVec
	userSyncTotal             *prometheus.CounterVec
	userSyncDuration          *prometheus.HistogramVec
	tierChangesTotal          *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics registers the billing collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		}, labels)
	}

	return &Metrics{
		webhookEventsTotal: counter("webhook_events_total",
			"Verified processor webhooks by event type and result.", "provider", "event_type", "status"),
		webhookProcessingDuration: histogram("webhook_processing_duration_seconds",
			"Time from receipt to acknowledgement of a verified webhook.", "provider", "event_type"),
		webhookErrorsTotal: counter("webhook_errors_total",
			"Webhooks rejected or failed, by reason.", "provider", "error_type"),
		checkoutSessionsTotal: counter("checkout_sessions_total",
			"Checkout session requests by result.", "provider", "status"),
		cancellationsTotal: counter("cancellations_total",
			"User-initiated cancellations by result.", "provider", "status"),
		userSyncTotal: counter("user_sync_total",
			"Reconciliation pulls from the processor by result.", "provider", "status"),
		userSyncDuration: histogram("user_sync_duration_seconds",
			"Duration of reconciliation pulls.", "provider"),
		tierChangesTotal: counter("tier_changes_total",
			"Plan tier transitions.", "provider", "from_tier", "to_tier"),
		apiCallsTotal: counter("api_calls_total",
			"Calls to the processor API by endpoint and result.", "provider", "endpoint", "status"),
		apiCallDuration: histogram("api_call_duration_seconds",
			"Latency of processor API calls.", "provider", "endpoint"),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordCheckoutSession(provider, status string) {
	m.checkoutSessionsTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordCancellation(provider, status string) {
	m.cancellationsTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.userSyncTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordUserSyncDuration(provider string, duration time.Duration) {
	m.userSyncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordTierChange(provider, fromTier, toTier string) {
	m.tierChangesTotal.WithLabelValues(provider, fromTier, toTier).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
