package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/internal"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// handleWebhook verifies and applies a Stripe webhook.
// 200: applied, acknowledged no-op or permanently unapplicable. 400: bad
// signature or payload. 500: transient failure, Stripe redelivers.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.verifier == nil {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := p.verifier.Verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidWebhookSignature) {
			http.Error(w, "invalid signature", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "auth_failed")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		p.logger.Warn("Rejected Stripe webhook",
			billsync.Field{Key: "remoteIp", Value: internal.GetClientIP(r)},
			billsync.ErrField(err),
		)
		return
	}

	h := event.Header()
	eventType := h.Type
	if err := p.processEvent(r.Context(), event); err != nil {
		if billsync.IsPermanent(err) {
			// Redelivery would fail the same way; acknowledge and leave it to an operator.
			p.logger.Error("Stripe webhook cannot be applied, acknowledging",
				billsync.EventField(h.ID),
				billsync.Field{Key: "eventType", Value: eventType},
				billsync.ErrField(err),
			)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			p.metrics.RecordWebhookEvent(providerName, eventType, "error")
			p.metrics.RecordWebhookError(providerName, "unprocessable")
			p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
			return
		}
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processEvent applies a verified event. A returned error means the event was
// not durably applied and must be redelivered.
func (p *Provider) processEvent(ctx context.Context, event billsync.Event) error {
	event, err := p.enrich(ctx, event)
	if err != nil {
		return err
	}

	res, err := p.engine.ApplyEvent(ctx, event)
	if err != nil {
		return err
	}

	h := event.Header()
	p.logger.Debug("Stripe webhook processed",
		billsync.EventField(h.ID),
		billsync.Field{Key: "eventType", Value: h.Type},
		billsync.Field{Key: "outcome", Value: res.Outcome},
	)
	if !res.Changed() {
		return nil
	}

	if res.Previous.PlanTier != res.Record.PlanTier {
		p.metrics.RecordTierChange(providerName, string(res.Previous.PlanTier), string(res.Record.PlanTier))
	}
	p.notify(ctx, res, h)
	return nil
}

// enrich fills the subscription status of a checkout completion, which Stripe
// sends with the subscription unexpanded.
func (p *Provider) enrich(ctx context.Context, event billsync.Event) (billsync.Event, error) {
	checkout, ok := event.(billsync.CheckoutCompleted)
	if !ok || checkout.Status != "" {
		return event, nil
	}

	sub, err := p.retrieveSubscription(ctx, checkout.SubscriptionID)
	if errors.Is(err, billing.ErrProcessorRejected) {
		// The subscription is gone; later subscription events carry the state.
		p.logger.Warn("Subscription for checkout not retrievable",
			billsync.EventField(checkout.ID),
			billsync.Field{Key: "subscriptionId", Value: checkout.SubscriptionID},
			billsync.ErrField(err),
		)
		return event, nil
	}
	if err != nil {
		return nil, err
	}

	checkout.Status = sub.Status
	if checkout.CustomerID == "" {
		checkout.CustomerID = sub.CustomerID
	}
	if checkout.UserID == "" {
		checkout.UserID = sub.UserID
	}
	return checkout, nil
}

func (p *Provider) notify(ctx context.Context, res *billsync.Result, h billsync.EventHeader) {
	if p.config.OnRecordChange == nil {
		return
	}
	err := p.config.OnRecordChange(ctx, billing.RecordChange{
		UserID:         res.Record.UserID,
		PreviousTier:   string(res.Previous.PlanTier),
		NewTier:        string(res.Record.PlanTier),
		PreviousStatus: string(res.Previous.Status),
		NewStatus:      string(res.Record.Status),
		Provider:       providerName,
		EventType:      h.Type,
		EventID:        h.ID,
		EventTimestamp: h.Created,
	})
	if err != nil {
		p.logger.Error("Record change callback failed",
			billsync.UserField(res.Record.UserID),
			billsync.EventField(h.ID),
			billsync.ErrField(err),
		)
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
