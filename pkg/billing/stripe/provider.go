package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/internal"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultWebhookTolerance  = 5 * time.Minute
	maxWebhookBodyBytes      = 256 * 1024
	metadataUserID           = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Engine, Metrics, Logger, etc.)

	// Stripe-specific. Fall back to Config.APIKey and Config.WebhookSecret.
	StripeAPIKey        string
	StripeWebhookSecret string

	// WebhookTolerance is the maximum age of a signed webhook (default: 5 minutes)
	WebhookTolerance time.Duration

	// RateLimitRequests per RateLimitWindow per client IP on the webhook endpoint
	// (default: 100 per minute)
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// BackendURL overrides the Stripe API base URL, e.g. for stripe-mock (optional)
	BackendURL string

	// MaxNetworkRetries overrides the SDK's retry count for failed API calls (optional)
	MaxNetworkRetries *int64
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	engine       *billsync.Engine
	config       Config
	rateLimiter  *internal.RateLimiter
	verifier     *Verifier
	stripeClient *stripe.Client
	metrics      billing.Metrics
	logger       billsync.Logger

	// retrieveSubscription is RetrieveSubscription unless replaced in tests.
	retrieveSubscription func(ctx context.Context, id string) (*billing.Subscription, error)
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Engine == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: config.MaxNetworkRetries,
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if config.BackendURL != "" {
		backendConfig.URL = stripe.String(config.BackendURL)
	}
	stripeClient := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	if config.WebhookTolerance <= 0 {
		config.WebhookTolerance = defaultWebhookTolerance
	}
	if config.RateLimitRequests <= 0 {
		config.RateLimitRequests = defaultRateLimitRequests
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billsync.NoopLogger{}
	}

	p := &Provider{
		engine:       config.Engine,
		config:       config,
		rateLimiter:  internal.NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow),
		stripeClient: stripeClient,
		metrics:      metrics,
		logger:       logger,
	}
	if webhookSecret != "" {
		p.verifier = NewVerifier(webhookSecret, config.WebhookTolerance)
	}
	p.retrieveSubscription = p.RetrieveSubscription
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
