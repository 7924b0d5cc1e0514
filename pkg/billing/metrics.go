package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
type Metrics interface {
	// RecordWebhookEvent records a verified webhook.
	// status: "success" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a rejected or failed webhook.
	// errorType: "auth_failed", "invalid_payload", "payload_too_large",
	// "unprocessable" or "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordCheckoutSession records a checkout session request.
	// status: "success", "invalid", "rejected" or "error"
	RecordCheckoutSession(provider, status string)

	// RecordCancellation records a user-initiated cancellation.
	// status: "success", "no_subscription", "rejected" or "error"
	RecordCancellation(provider, status string)

	// RecordUserSync records a reconciliation pull for one user.
	RecordUserSync(provider, status string)

	// RecordUserSyncDuration records how long a user sync took.
	RecordUserSyncDuration(provider string, duration time.Duration)

	// RecordTierChange records when a user's plan tier changes.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordAPICall records an API call to the billing provider.
	// status: "success", "rejected" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordCheckoutSession(_, _ string)                            {}
func (n *NoopMetrics) RecordCancellation(_, _ string)                               {}
func (n *NoopMetrics) RecordUserSync(_, _ string)                                   {}
func (n *NoopMetrics) RecordUserSyncDuration(_ string, _ time.Duration)             {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
