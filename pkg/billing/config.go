package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Engine applies verified webhook events (required for webhook handling)
	Engine *billsync.Engine

	// WebhookSecret is the shared secret used to verify webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger billsync.Logger

	// OnRecordChange is called after a webhook changed a billing record (optional).
	// Errors are logged; the webhook is still acknowledged because the record
	// write has already committed.
	OnRecordChange func(ctx context.Context, change RecordChange) error
}
