package billing

import "time"

// RecordChange describes a billing record change caused by a webhook. It is
// passed to Config.OnRecordChange after the record write committed.
type RecordChange struct {
	UserID string

	PreviousTier string
	NewTier      string

	PreviousStatus string
	NewStatus      string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type, e.g. "customer.subscription.updated"
	EventType string
	EventID   string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time
}
