package billsync

import "time"

// Status is the processor-reported subscription status stored on a record.
type Status string

const (
	StatusFree              Status = "free"
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
)

// IsTerminal reports whether the status can no longer be canceled by the user.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCanceled, StatusIncompleteExpired, StatusFree:
		return true
	}
	return false
}

// PlanTier is the entitlement level derived from Status.
type PlanTier string

const (
	TierFree PlanTier = "free"
	TierPaid PlanTier = "paid"
)

// Source identifies which entry point caused a transition.
type Source string

const (
	SourceWebhook          Source = "webhook"
	SourceUserCancellation Source = "user_cancellation"
	// SourceCheckout is reserved; checkout issuance never writes billing state.
	SourceCheckout Source = "checkout"
	SourceSync     Source = "sync"
)

// Record is the locally persisted billing state of one user.
type Record struct {
	UserID            string
	CustomerID        string
	SubscriptionID    string
	Status            Status
	PlanTier          PlanTier
	CancelAtPeriodEnd bool

	// LastEventAt is the causal marker of the last applied transition.
	LastEventAt time.Time

	// LastEventID is the processor event id of the last applied webhook, if any.
	LastEventID string

	// Version is incremented on every successful write and used for compare-and-swap.
	Version int64

	UpdatedAt time.Time
}

// Clone returns a copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Snapshot returns the billing fields tracked by the audit trail.
func (r *Record) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		CustomerID:        r.CustomerID,
		SubscriptionID:    r.SubscriptionID,
		Status:            r.Status,
		PlanTier:          r.PlanTier,
		CancelAtPeriodEnd: r.CancelAtPeriodEnd,
	}
}

// Snapshot is the audited view of a record.
type Snapshot struct {
	CustomerID        string   `json:"customerId,omitempty"`
	SubscriptionID    string   `json:"subscriptionId,omitempty"`
	Status            Status   `json:"status"`
	PlanTier          PlanTier `json:"planTier"`
	CancelAtPeriodEnd bool     `json:"cancelAtPeriodEnd"`
}

// AuditEntry is an append-only record of one transition.
type AuditEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Previous  Snapshot  `json:"previous"`
	New       Snapshot  `json:"new"`
	Source    Source    `json:"source"`
	EventType string    `json:"eventType,omitempty"`
	EventID   string    `json:"eventId,omitempty"`
	Marker    time.Time `json:"marker"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditFilter selects audit entries for one user.
type AuditFilter struct {
	UserID string

	// Since filters entries at or after this time (optional)
	Since *time.Time

	// Limit limits the number of results returned (default: 100)
	Limit int
}

// Candidate carries the processor-reported values for a transition.
// Empty strings and a nil CancelAtPeriodEnd keep the stored value.
type Candidate struct {
	CustomerID        string
	SubscriptionID    string
	Status            Status
	CancelAtPeriodEnd *bool
}

// ReconcileRequest is the input of Engine.Reconcile.
type ReconcileRequest struct {
	UserID     string
	CustomerID string
	Candidate  Candidate
	Marker     time.Time
	Source     Source
	EventType  string
	EventID    string

	// RequireCurrentSubscription ignores the transition when the record already
	// tracks a different subscription.
	RequireCurrentSubscription bool
}

// Outcome describes what Reconcile did.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeStale      Outcome = "stale"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeIgnored    Outcome = "ignored"
)

// Result is returned by Engine.Reconcile.
type Result struct {
	Outcome Outcome
	Record  *Record

	// Previous is the record before the transition, nil if nothing was read.
	Previous *Record

	// AuditGap is set when the record was written but the audit append failed.
	AuditGap bool

	// NeedsReview is set when the status was not recognized by the mapper.
	NeedsReview bool
}

// Changed reports whether the stored record was modified.
func (r *Result) Changed() bool {
	return r != nil && r.Outcome == OutcomeApplied
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}
