package billsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ApplyEvent reconciles a verified webhook event. Unknown event types are
// acknowledged with OutcomeIgnored.
func (e *Engine) ApplyEvent(ctx context.Context, event Event) (*Result, error) {
	h := event.Header()
	req := ReconcileRequest{
		Marker:    h.Created,
		Source:    SourceWebhook,
		EventType: h.Type,
		EventID:   h.ID,
	}

	switch ev := event.(type) {
	case CheckoutCompleted:
		req.UserID = ev.UserID
		req.CustomerID = ev.CustomerID
		req.Candidate = Candidate{
			CustomerID:        ev.CustomerID,
			SubscriptionID:    ev.SubscriptionID,
			Status:            ev.Status,
			CancelAtPeriodEnd: boolPtr(false),
		}
	case SubscriptionUpdated:
		req.UserID = ev.UserID
		req.CustomerID = ev.CustomerID
		req.RequireCurrentSubscription = true
		req.Candidate = Candidate{
			CustomerID:        ev.CustomerID,
			SubscriptionID:    ev.SubscriptionID,
			Status:            ev.Status,
			CancelAtPeriodEnd: boolPtr(ev.CancelAtPeriodEnd),
		}
	case SubscriptionDeleted:
		req.UserID = ev.UserID
		req.CustomerID = ev.CustomerID
		req.RequireCurrentSubscription = true
		req.Candidate = Candidate{
			CustomerID:        ev.CustomerID,
			SubscriptionID:    ev.SubscriptionID,
			Status:            StatusCanceled,
			CancelAtPeriodEnd: boolPtr(false),
		}
	default:
		e.logger.Debug("Ignoring unhandled event type",
			Field{"eventType", h.Type},
			EventField(h.ID),
		)
		e.metrics.RecordReconcile(SourceWebhook, OutcomeIgnored, 0)
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	return e.Reconcile(ctx, req)
}

// EnsureRecord creates the free record for a new user. It is the signup hook
// of the surrounding application and returns the existing record if present.
func (e *Engine) EnsureRecord(ctx context.Context, userID string) (*Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}

	now := e.config.Now().UTC()
	rec := &Record{
		UserID:    userID,
		Status:    StatusFree,
		PlanTier:  e.mapper.Map(StatusFree).Tier,
		Version:   1,
		UpdatedAt: now,
	}
	err := e.withRetry(ctx, "create_record", func(ctx context.Context) error {
		return e.store.CreateRecord(ctx, rec)
	})
	if errors.Is(err, ErrRecordExists) {
		return e.getRecord(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("Billing record created", UserField(userID))
	return rec, nil
}

// Record returns the current billing record of a user.
func (e *Engine) Record(ctx context.Context, userID string) (*Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	return e.getRecord(ctx, userID)
}

// AuditTrail returns the audit entries of a user, oldest first.
func (e *Engine) AuditTrail(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	if filter.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	var entries []*AuditEntry
	err := e.withRetry(ctx, "list_audit", func(ctx context.Context) error {
		var err error
		entries, err = e.audit.ListAudit(ctx, filter)
		return err
	})
	return entries, err
}

// Marker returns a causal marker for locally initiated transitions.
// It is truncated to whole seconds so processor events created in the same
// second still apply afterwards.
func (e *Engine) Marker() time.Time {
	return e.config.Now().UTC().Truncate(time.Second)
}

func boolPtr(b bool) *bool { return &b }
