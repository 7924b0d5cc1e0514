package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

// fakeProcessor records calls and returns canned answers.
type fakeProcessor struct {
	mu            sync.Mutex
	checkouts     []billing.CheckoutRequest
	cancellations []string
	subs          []*billing.Subscription
	checkoutErr   error
	cancelErr     error
	listErr       error
}

func (p *fakeProcessor) Name() string { return "fake" }

func (p *fakeProcessor) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkouts = append(p.checkouts, req)
	if p.checkoutErr != nil {
		return nil, p.checkoutErr
	}
	return &billing.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1", PriceID: req.PriceID, CorrelationUserID: req.UserID}, nil
}

func (p *fakeProcessor) ScheduleCancellation(_ context.Context, subscriptionID string) (*billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancellations = append(p.cancellations, subscriptionID)
	if p.cancelErr != nil {
		return nil, p.cancelErr
	}
	return &billing.Subscription{ID: subscriptionID, Status: billsync.StatusActive, CancelAtPeriodEnd: true}, nil
}

func (p *fakeProcessor) RetrieveSubscription(_ context.Context, subscriptionID string) (*billing.Subscription, error) {
	for _, s := range p.subs {
		if s.ID == subscriptionID {
			return s, nil
		}
	}
	return nil, billing.ErrProcessorRejected
}

func (p *fakeProcessor) ListSubscriptions(context.Context, string) ([]*billing.Subscription, error) {
	return p.subs, p.listErr
}

var now = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

type fixture struct {
	store     *memory.Storage
	engine    *billsync.Engine
	processor *fakeProcessor
	service   *billing.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	engine, err := billsync.NewEngine(billsync.Config{
		Store: store,
		Audit: store,
		Dedup: store,
		Now:   func() time.Time { return now },
	})
	require.NoError(t, err)

	processor := &fakeProcessor{}
	service, err := billing.NewService(billing.ServiceConfig{
		Engine:     engine,
		Processor:  processor,
		SuccessURL: "https://app.example/success",
		CancelURL:  "https://app.example/cancel",
	})
	require.NoError(t, err)
	return &fixture{store: store, engine: engine, processor: processor, service: service}
}

// subscribe puts U1 on an active subscription through a checkout webhook.
func (f *fixture) subscribe(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.EnsureRecord(ctx, "U1")
	require.NoError(t, err)
	_, err = f.engine.ApplyEvent(ctx, billsync.CheckoutCompleted{
		EventHeader:    billsync.EventHeader{ID: "evt_1", Type: "checkout.session.completed", Created: now.Add(-time.Hour)},
		UserID:         "U1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Status:         billsync.StatusActive,
	})
	require.NoError(t, err)
}

func TestNewService_RequiresEngineAndProcessor(t *testing.T) {
	_, err := billing.NewService(billing.ServiceConfig{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestService_CreateSession_ValidatesInput(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct{ price, user string }{{"", "U1"}, {"price_1", ""}, {"  ", "  "}} {
		_, err := f.service.CreateSession(context.Background(), tc.price, tc.user)
		assert.ErrorIs(t, err, billsync.ErrInvalidRequest)
	}
	assert.Empty(t, f.processor.checkouts)
}

func TestService_CreateSession_NeverWritesBillingState(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t)
	ctx := context.Background()

	before, err := f.engine.Record(ctx, "U1")
	require.NoError(t, err)
	auditBefore, _ := f.engine.AuditTrail(ctx, billsync.AuditFilter{UserID: "U1"})

	session, err := f.service.CreateSession(ctx, "price_pro", "U1")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.ID)

	require.Len(t, f.processor.checkouts, 1)
	req := f.processor.checkouts[0]
	assert.Equal(t, "U1", req.UserID)
	assert.Equal(t, "cus_1", req.CustomerID, "existing customer is reused")
	assert.Equal(t, "https://app.example/success", req.SuccessURL)

	after, _ := f.engine.Record(ctx, "U1")
	assert.Equal(t, before, after)
	auditAfter, _ := f.engine.AuditTrail(ctx, billsync.AuditFilter{UserID: "U1"})
	assert.Equal(t, len(auditBefore), len(auditAfter))
}

func TestService_CreateSession_UnknownUserStillIssues(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateSession(context.Background(), "price_pro", "U_new")
	require.NoError(t, err)
	assert.Empty(t, f.processor.checkouts[0].CustomerID)

	_, err = f.engine.Record(context.Background(), "U_new")
	assert.ErrorIs(t, err, billsync.ErrRecordNotFound, "issuing a session does not create records")
}

func TestService_CreateSession_ProcessorErrors(t *testing.T) {
	f := newFixture(t)

	f.processor.checkoutErr = billing.ErrProcessorRejected
	_, err := f.service.CreateSession(context.Background(), "price_bad", "U1")
	assert.ErrorIs(t, err, billing.ErrProcessorRejected)

	f.processor.checkoutErr = errors.New("dial tcp: i/o timeout")
	_, err = f.service.CreateSession(context.Background(), "price_pro", "U1")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
}

func TestService_Cancel(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t)
	ctx := context.Background()

	summary, err := f.service.Cancel(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, summary.CancelAtPeriodEnd)
	assert.Equal(t, billsync.StatusActive, summary.Status)
	assert.Equal(t, billsync.TierPaid, summary.PlanTier)
	assert.Equal(t, []string{"sub_1"}, f.processor.cancellations)

	entries, err := f.engine.AuditTrail(ctx, billsync.AuditFilter{UserID: "U1"})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, billsync.SourceUserCancellation, last.Source)
	assert.False(t, last.Previous.CancelAtPeriodEnd)
	assert.True(t, last.New.CancelAtPeriodEnd)
}

func TestService_Cancel_ThenDeletionWebhook(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t)
	ctx := context.Background()

	_, err := f.service.Cancel(ctx, "U1")
	require.NoError(t, err)

	// Same-second webhook confirming the schedule is idempotent
	res, err := f.engine.ApplyEvent(ctx, billsync.SubscriptionUpdated{
		EventHeader:       billsync.EventHeader{ID: "evt_2", Type: "customer.subscription.updated", Created: now},
		CustomerID:        "cus_1",
		SubscriptionID:    "sub_1",
		Status:            billsync.StatusActive,
		CancelAtPeriodEnd: true,
	})
	require.NoError(t, err)
	assert.Equal(t, billsync.OutcomeUnchanged, res.Outcome)

	res, err = f.engine.ApplyEvent(ctx, billsync.SubscriptionDeleted{
		EventHeader:    billsync.EventHeader{ID: "evt_3", Type: "customer.subscription.deleted", Created: now.Add(720 * time.Hour)},
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
	})
	require.NoError(t, err)
	assert.Equal(t, billsync.OutcomeApplied, res.Outcome)

	entries, _ := f.engine.AuditTrail(ctx, billsync.AuditFilter{UserID: "U1"})
	require.Len(t, entries, 3)
	assert.Equal(t, billsync.SourceWebhook, entries[0].Source)
	assert.Equal(t, billsync.SourceUserCancellation, entries[1].Source)
	assert.Equal(t, billsync.SourceWebhook, entries[2].Source)
	assert.Equal(t, billsync.StatusCanceled, entries[2].New.Status)
	assert.Equal(t, billsync.TierFree, entries[2].New.PlanTier)
}

func TestService_Cancel_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Cancel(ctx, "ghost")
	assert.ErrorIs(t, err, billsync.ErrRecordNotFound)

	_, err = f.engine.EnsureRecord(ctx, "U2")
	require.NoError(t, err)
	_, err = f.service.Cancel(ctx, "U2")
	assert.ErrorIs(t, err, billing.ErrNoActiveSubscription)
	assert.Empty(t, f.processor.cancellations)
}

func TestService_Cancel_ProcessorFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t)
	ctx := context.Background()

	before, _ := f.engine.Record(ctx, "U1")
	f.processor.cancelErr = errors.New("stripe unavailable")

	_, err := f.service.Cancel(ctx, "U1")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)

	after, _ := f.engine.Record(ctx, "U1")
	assert.Equal(t, before, after)
}

func TestService_Sync(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t)
	ctx := context.Background()

	f.processor.subs = []*billing.Subscription{
		{ID: "sub_0", CustomerID: "cus_1", Status: billsync.StatusCanceled, Created: now.Add(-48 * time.Hour)},
		{ID: "sub_1", CustomerID: "cus_1", Status: billsync.StatusPastDue, Created: now.Add(-2 * time.Hour)},
	}

	summary, err := f.service.Sync(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, billsync.StatusPastDue, summary.Status)
	assert.Equal(t, billsync.TierPaid, summary.PlanTier)

	entries, _ := f.engine.AuditTrail(ctx, billsync.AuditFilter{UserID: "U1"})
	assert.Equal(t, billsync.SourceSync, entries[len(entries)-1].Source)
}

func TestService_Sync_WithoutCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.EnsureRecord(ctx, "U3")
	require.NoError(t, err)

	summary, err := f.service.Sync(ctx, "U3")
	require.NoError(t, err)
	assert.Equal(t, billsync.TierFree, summary.PlanTier)
}

// recordingMetrics captures the checkout and cancellation status labels.
type recordingMetrics struct {
	billing.NoopMetrics
	mu            sync.Mutex
	checkouts     []string
	cancellations []string
}

func (m *recordingMetrics) RecordCheckoutSession(provider, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkouts = append(m.checkouts, provider+":"+status)
}

func (m *recordingMetrics) RecordCancellation(provider, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancellations = append(m.cancellations, provider+":"+status)
}

func TestService_Metrics(t *testing.T) {
	f := newFixture(t)
	metrics := &recordingMetrics{}
	service, err := billing.NewService(billing.ServiceConfig{
		Engine:    f.engine,
		Processor: f.processor,
		Metrics:   metrics,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, _ = service.CreateSession(ctx, "", "U1")
	_, _ = service.CreateSession(ctx, "price_pro", "U1")
	f.processor.checkoutErr = billing.ErrProcessorRejected
	_, _ = service.CreateSession(ctx, "price_bad", "U1")
	f.processor.checkoutErr = errors.New("connection reset")
	_, _ = service.CreateSession(ctx, "price_pro", "U1")

	assert.Equal(t, []string{"fake:invalid", "fake:success", "fake:rejected", "fake:error"}, metrics.checkouts)

	_, _ = service.Cancel(ctx, "U1")
	f.subscribe(t)
	f.processor.cancelErr = errors.New("timeout")
	_, _ = service.Cancel(ctx, "U1")
	f.processor.cancelErr = nil
	_, _ = service.Cancel(ctx, "U1")

	assert.Equal(t, []string{"fake:error", "fake:error", "fake:success"}, metrics.cancellations)
}
