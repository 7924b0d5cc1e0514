package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Verifier authenticates Stripe webhook payloads and decodes them into
// billsync events. Nothing is decoded before the signature is accepted.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier for the endpoint signing secret (whsec_...).
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks the Stripe-Signature header against body and decodes the event.
// Returns billing.ErrInvalidWebhookSignature or billing.ErrInvalidWebhookPayload.
func (v *Verifier) Verify(body []byte, signatureHeader string) (billsync.Event, error) {
	// HMAC-SHA256 over "timestamp.body", compared with hmac.Equal.
	if err := webhook.ValidatePayloadWithTolerance(body, signatureHeader, v.secret, v.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}

	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return decodeEvent(&event)
}

// decodeEvent maps a Stripe event onto the billsync event union.
func decodeEvent(event *stripe.Event) (billsync.Event, error) {
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", billing.ErrInvalidWebhookPayload)
	}
	header := billsync.EventHeader{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := unmarshalData(event, &session); err != nil {
			return nil, err
		}
		if session.Subscription == nil || session.Subscription.ID == "" {
			// Not a subscription checkout
			return billsync.UnknownEvent{EventHeader: header}, nil
		}
		ev := billsync.CheckoutCompleted{
			EventHeader:    header,
			UserID:         session.ClientReferenceID,
			SubscriptionID: session.Subscription.ID,
			Status:         billsync.Status(session.Subscription.Status),
		}
		if ev.UserID == "" && session.Metadata != nil {
			ev.UserID = session.Metadata[metadataUserID]
		}
		if session.Customer != nil {
			ev.CustomerID = session.Customer.ID
		}
		return ev, nil

	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		var sub stripe.Subscription
		if err := unmarshalData(event, &sub); err != nil {
			return nil, err
		}
		s := convertSubscription(&sub)
		return billsync.SubscriptionUpdated{
			EventHeader:       header,
			UserID:            s.UserID,
			CustomerID:        s.CustomerID,
			SubscriptionID:    s.ID,
			Status:            s.Status,
			CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		}, nil

	case stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := unmarshalData(event, &sub); err != nil {
			return nil, err
		}
		s := convertSubscription(&sub)
		return billsync.SubscriptionDeleted{
			EventHeader:    header,
			UserID:         s.UserID,
			CustomerID:     s.CustomerID,
			SubscriptionID: s.ID,
		}, nil

	default:
		return billsync.UnknownEvent{EventHeader: header}, nil
	}
}

func unmarshalData(event *stripe.Event, v interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: %s has no data", billing.ErrInvalidWebhookPayload, event.Type)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", billing.ErrInvalidWebhookPayload, event.Type, err)
	}
	return nil
}
