package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Processor is the outbound side of a payment processor.
// Implementations classify failures as ErrProcessorRejected or ErrProviderAPIError.
type Processor interface {
	// Name returns the processor name (e.g., "stripe")
	Name() string

	// CreateCheckoutSession creates a hosted checkout that carries req.UserID
	// as the correlation key for the completion webhook.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// ScheduleCancellation cancels the subscription at the end of the current period.
	ScheduleCancellation(ctx context.Context, subscriptionID string) (*Subscription, error)

	// RetrieveSubscription returns the processor's view of a subscription.
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ListSubscriptions returns every subscription of a customer, newest first.
	ListSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error)
}

// Provider is a Processor that also receives the processor's webhooks.
type Provider interface {
	Processor

	// WebhookHandler returns the HTTP handler that verifies events and
	// applies them through the reconciliation engine.
	WebhookHandler() http.Handler
}

// CheckoutRequest is the input of Processor.CreateCheckoutSession.
type CheckoutRequest struct {
	PriceID string
	UserID  string

	// CustomerID reuses an existing processor customer (optional)
	CustomerID string

	SuccessURL string
	CancelURL  string
}

// CheckoutSession is a processor-owned checkout.
type CheckoutSession struct {
	ID                string `json:"sessionId"`
	URL               string `json:"url,omitempty"`
	PriceID           string `json:"priceId"`
	CorrelationUserID string `json:"-"`
}

// Subscription is the processor's view of a subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	UserID            string
	Status            billsync.Status
	CancelAtPeriodEnd bool
	Created           time.Time
}
