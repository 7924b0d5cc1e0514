package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// CreateCheckoutSession creates a subscription-mode Checkout Session. The user
// id travels as client_reference_id and as session and subscription metadata
// so every later webhook can be correlated.
func (p *Provider) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	const endpoint = "/checkout/sessions"
	startTime := time.Now()

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(req.UserID),
		Metadata:          map[string]string{metadataUserID: req.UserID},
	}
	if req.SuccessURL != "" {
		params.SuccessURL = stripe.String(req.SuccessURL)
	}
	if req.CancelURL != "" {
		params.CancelURL = stripe.String(req.CancelURL)
	}

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, req.UserID)

	// Attach existing customer if known (avoids duplicates)
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.recordAPICall(endpoint, startTime, err)
	if err != nil {
		return nil, mapStripeError(err)
	}

	return &billing.CheckoutSession{
		ID:                session.ID,
		URL:               session.URL,
		PriceID:           req.PriceID,
		CorrelationUserID: req.UserID,
	}, nil
}

// ScheduleCancellation sets cancel_at_period_end on the subscription.
func (p *Provider) ScheduleCancellation(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	const endpoint = "/subscriptions/update"
	startTime := time.Now()

	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	sub, err := p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, params)
	p.recordAPICall(endpoint, startTime, err)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return convertSubscription(sub), nil
}

// RetrieveSubscription fetches a subscription by id.
func (p *Provider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	const endpoint = "/subscriptions/retrieve"
	startTime := time.Now()

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	p.recordAPICall(endpoint, startTime, err)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return convertSubscription(sub), nil
}

// ListSubscriptions lists every subscription of a customer regardless of status.
func (p *Provider) ListSubscriptions(ctx context.Context, customerID string) ([]*billing.Subscription, error) {
	const endpoint = "/subscriptions/list"
	startTime := time.Now()

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subs []*billing.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.recordAPICall(endpoint, startTime, err)
			return nil, mapStripeError(err)
		}
		subs = append(subs, convertSubscription(sub))
	}
	p.recordAPICall(endpoint, startTime, nil)
	return subs, nil
}

func (p *Provider) recordAPICall(endpoint string, startTime time.Time, err error) {
	status := "success"
	switch {
	case err == nil:
	case isRejection(err):
		status = "rejected"
	default:
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
}

func convertSubscription(sub *stripe.Subscription) *billing.Subscription {
	out := &billing.Subscription{
		ID:                sub.ID,
		Status:            billsync.Status(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Created:           time.Unix(sub.Created, 0).UTC(),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Metadata != nil {
		out.UserID = sub.Metadata[metadataUserID]
	}
	return out
}

// isRejection reports Stripe errors caused by the request itself. Rate limits
// and conflicts are retryable and therefore not rejections.
func isRejection(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	code := stripeErr.HTTPStatusCode
	return code >= 400 && code < 500 &&
		code != http.StatusTooManyRequests &&
		code != http.StatusConflict
}

// mapStripeError converts SDK errors into billing sentinels.
func mapStripeError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	detail := stripeErr.Msg
	if stripeErr.Code != "" {
		detail = string(stripeErr.Code) + ": " + detail
	}
	if isRejection(err) {
		return fmt.Errorf("%w: %s", billing.ErrProcessorRejected, detail)
	}
	return fmt.Errorf("%w: status %s: %s", billing.ErrProviderAPIError, strconv.Itoa(stripeErr.HTTPStatusCode), detail)
}
