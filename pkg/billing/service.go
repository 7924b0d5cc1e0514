package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

const defaultProcessorTimeout = 10 * time.Second

// ServiceConfig configures the user-facing billing operations.
type ServiceConfig struct {
	// Engine is the reconciliation engine (required)
	Engine *billsync.Engine

	// Processor is the payment processor client (required)
	Processor Processor

	// SuccessURL and CancelURL are where the hosted checkout redirects.
	SuccessURL string
	CancelURL  string

	// ProcessorTimeout bounds each processor call (default: 10 seconds)
	ProcessorTimeout time.Duration

	// Metrics is an optional metrics collector (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger billsync.Logger
}

// Service implements checkout issuance, cancellation and on-demand sync.
type Service struct {
	engine    *billsync.Engine
	processor Processor
	config    ServiceConfig
	metrics   Metrics
	logger    billsync.Logger
}

// Summary is the caller-facing view of a billing record.
type Summary struct {
	UserID            string            `json:"userId"`
	CustomerID        string            `json:"customerId,omitempty"`
	SubscriptionID    string            `json:"subscriptionId,omitempty"`
	Status            billsync.Status   `json:"status"`
	PlanTier          billsync.PlanTier `json:"planTier"`
	CancelAtPeriodEnd bool              `json:"cancelAtPeriodEnd"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// SummaryFromRecord builds a Summary from a billing record.
func SummaryFromRecord(rec *billsync.Record) *Summary {
	return &Summary{
		UserID:            rec.UserID,
		CustomerID:        rec.CustomerID,
		SubscriptionID:    rec.SubscriptionID,
		Status:            rec.Status,
		PlanTier:          rec.PlanTier,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		UpdatedAt:         rec.UpdatedAt,
	}
}

// NewService creates a billing service.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Engine == nil || config.Processor == nil {
		return nil, ErrProviderNotConfigured
	}
	if config.ProcessorTimeout <= 0 {
		config.ProcessorTimeout = defaultProcessorTimeout
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}

	return &Service{
		engine:    config.Engine,
		processor: config.Processor,
		config:    config,
		metrics:   config.Metrics,
		logger:    config.Logger,
	}, nil
}

// CreateSession issues a checkout session for userID. It reads the stored
// customer id but never writes billing state: the outcome arrives by webhook.
func (s *Service) CreateSession(ctx context.Context, priceID, userID string) (*CheckoutSession, error) {
	priceID = strings.TrimSpace(priceID)
	userID = strings.TrimSpace(userID)
	provider := s.processor.Name()
	if priceID == "" || userID == "" {
		s.metrics.RecordCheckoutSession(provider, "invalid")
		return nil, fmt.Errorf("%w: priceId and userId are required", billsync.ErrInvalidRequest)
	}

	// Only a missing record is tolerated. Any other store failure aborts so the
	// processor does not create a second customer for this user.
	customerID := ""
	rec, err := s.engine.Record(ctx, userID)
	switch {
	case err == nil:
		customerID = rec.CustomerID
	case errors.Is(err, billsync.ErrRecordNotFound):
	default:
		s.metrics.RecordCheckoutSession(provider, "error")
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.ProcessorTimeout)
	defer cancel()

	session, err := s.processor.CreateCheckoutSession(callCtx, CheckoutRequest{
		PriceID:    priceID,
		UserID:     userID,
		CustomerID: customerID,
		SuccessURL: s.config.SuccessURL,
		CancelURL:  s.config.CancelURL,
	})
	if err != nil {
		s.logger.Warn("Checkout session creation failed",
			billsync.UserField(userID),
			billsync.Field{Key: "priceId", Value: priceID},
			billsync.ErrField(err),
		)
		err = classifyProcessorError(err)
		s.metrics.RecordCheckoutSession(provider, processorStatus(err))
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	s.metrics.RecordCheckoutSession(provider, "success")

	s.logger.Info("Checkout session created",
		billsync.UserField(userID),
		billsync.Field{Key: "sessionId", Value: session.ID},
	)
	return session, nil
}

// Cancel schedules the user's subscription to end at period end and records
// the provisional cancel flag. A processor failure leaves local state untouched.
func (s *Service) Cancel(ctx context.Context, userID string) (*Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", billsync.ErrInvalidRequest)
	}

	provider := s.processor.Name()
	rec, err := s.engine.Record(ctx, userID)
	if err != nil {
		s.metrics.RecordCancellation(provider, "error")
		return nil, err
	}
	if rec.SubscriptionID == "" || rec.Status.IsTerminal() {
		s.metrics.RecordCancellation(provider, "no_subscription")
		return nil, ErrNoActiveSubscription
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.ProcessorTimeout)
	defer cancel()

	if _, err := s.processor.ScheduleCancellation(callCtx, rec.SubscriptionID); err != nil {
		s.logger.Warn("Processor refused cancellation",
			billsync.UserField(userID),
			billsync.Field{Key: "subscriptionId", Value: rec.SubscriptionID},
			billsync.ErrField(err),
		)
		err = classifyProcessorError(err)
		s.metrics.RecordCancellation(provider, processorStatus(err))
		return nil, fmt.Errorf("failed to schedule cancellation: %w", err)
	}

	cancelAtPeriodEnd := true
	res, err := s.engine.Reconcile(ctx, billsync.ReconcileRequest{
		UserID: userID,
		Candidate: billsync.Candidate{
			SubscriptionID:    rec.SubscriptionID,
			CancelAtPeriodEnd: &cancelAtPeriodEnd,
		},
		Marker:    s.engine.Marker(),
		Source:    billsync.SourceUserCancellation,
		EventType: "subscription.cancel_scheduled",
	})
	if err != nil {
		// The processor already scheduled the cancellation; its webhook will
		// bring the record in line.
		s.metrics.RecordCancellation(provider, "error")
		return nil, err
	}
	s.metrics.RecordCancellation(provider, "success")
	return SummaryFromRecord(res.Record), nil
}

// Sync pulls the processor's state for userID and reconciles it. Used for
// manual repair and periodic reconciliation jobs.
func (s *Service) Sync(ctx context.Context, userID string) (*Summary, error) {
	startTime := time.Now()
	provider := s.processor.Name()
	defer func() {
		s.metrics.RecordUserSyncDuration(provider, time.Since(startTime))
	}()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", billsync.ErrInvalidRequest)
	}

	rec, err := s.engine.Record(ctx, userID)
	if err != nil {
		s.metrics.RecordUserSync(provider, "error")
		return nil, err
	}
	if rec.CustomerID == "" {
		s.metrics.RecordUserSync(provider, "no_customer")
		return SummaryFromRecord(rec), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.ProcessorTimeout)
	defer cancel()

	subs, err := s.processor.ListSubscriptions(callCtx, rec.CustomerID)
	if err != nil {
		s.metrics.RecordUserSync(provider, "error")
		return nil, fmt.Errorf("failed to list subscriptions: %w", classifyProcessorError(err))
	}

	sub := pickSubscription(subs, rec.SubscriptionID)
	if sub == nil {
		s.metrics.RecordUserSync(provider, "no_subscription")
		return SummaryFromRecord(rec), nil
	}

	res, err := s.engine.Reconcile(ctx, billsync.ReconcileRequest{
		UserID: userID,
		Candidate: billsync.Candidate{
			CustomerID:        sub.CustomerID,
			SubscriptionID:    sub.ID,
			Status:            sub.Status,
			CancelAtPeriodEnd: &sub.CancelAtPeriodEnd,
		},
		Marker:    s.engine.Marker(),
		Source:    billsync.SourceSync,
		EventType: "subscription.sync",
	})
	if err != nil {
		s.metrics.RecordUserSync(provider, "error")
		return nil, err
	}
	if res.Changed() && res.Previous.PlanTier != res.Record.PlanTier {
		s.metrics.RecordTierChange(provider, string(res.Previous.PlanTier), string(res.Record.PlanTier))
	}
	s.metrics.RecordUserSync(provider, "success")
	return SummaryFromRecord(res.Record), nil
}

// pickSubscription prefers the subscription the record already tracks, then
// the newest live one, then the newest of any status.
func pickSubscription(subs []*Subscription, currentID string) *Subscription {
	var newestLive, newest *Subscription
	for _, sub := range subs {
		if sub.ID == currentID && !sub.Status.IsTerminal() {
			return sub
		}
		if newest == nil || sub.Created.After(newest.Created) {
			newest = sub
		}
		if !sub.Status.IsTerminal() && (newestLive == nil || sub.Created.After(newestLive.Created)) {
			newestLive = sub
		}
	}
	if newestLive != nil {
		return newestLive
	}
	return newest
}
