package billsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Engine is the single writer of billing records. Every entry point applies
// state changes through Reconcile.
type Engine struct {
	store   Store
	audit   AuditLog
	dedup   DedupSet
	mapper  StateMapper
	config  Config
	logger  Logger
	metrics Metrics
}

// NewEngine creates a reconciliation engine with the given configuration
func NewEngine(config Config) (*Engine, error) {
	if config.Store == nil || config.Audit == nil {
		return nil, ErrStoreUnavailable
	}
	config.setDefaults()

	return &Engine{
		store:   config.Store,
		audit:   config.Audit,
		dedup:   config.Dedup,
		mapper:  *config.Mapper,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Mapper returns the state mapper used by the engine.
func (e *Engine) Mapper() StateMapper {
	return e.mapper
}

// Reconcile applies a candidate state to the record of a user.
//
// Stale, duplicate, unresolvable and foreign-subscription transitions are
// successful no-ops reported through Result.Outcome. A non-nil error means the
// record could not be written and the caller should retry later.
func (e *Engine) Reconcile(ctx context.Context, req ReconcileRequest) (*Result, error) {
	start := time.Now()
	res, err := e.reconcile(ctx, req)

	outcome := Outcome("error")
	if res != nil {
		outcome = res.Outcome
	}
	e.metrics.RecordReconcile(req.Source, outcome, time.Since(start))

	if err != nil {
		e.logger.Error("Reconciliation failed",
			UserField(req.UserID),
			Field{"customerId", req.CustomerID},
			Field{"source", req.Source},
			EventField(req.EventID),
			ErrField(err),
		)
	}
	return res, err
}

func (e *Engine) reconcile(ctx context.Context, req ReconcileRequest) (*Result, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}

	dedupKey := ""
	if req.Source == SourceWebhook && req.EventID != "" {
		dedupKey = req.EventID
	}
	if dedupKey != "" && e.seen(ctx, dedupKey) {
		return &Result{Outcome: OutcomeDuplicate}, nil
	}

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		current, err := e.resolve(ctx, req)
		if errors.Is(err, ErrRecordNotFound) {
			e.logger.Warn("No billing record for event, skipping",
				UserField(req.UserID),
				Field{"customerId", req.CustomerID},
				Field{"eventType", req.EventType},
				EventField(req.EventID),
			)
			e.markProcessed(ctx, dedupKey)
			return &Result{Outcome: OutcomeUnresolved}, nil
		}
		if err != nil {
			return nil, err
		}

		if outcome, skip := e.precheck(current, req); skip {
			e.logger.Debug("Transition skipped",
				UserField(current.UserID),
				Field{"outcome", outcome},
				EventField(req.EventID),
				Field{"marker", req.Marker},
				Field{"lastEventAt", current.LastEventAt},
			)
			e.markProcessed(ctx, dedupKey)
			return &Result{Outcome: outcome, Record: current, Previous: current}, nil
		}

		next, mapping := e.next(current, req)
		changed := next.Snapshot() != current.Snapshot()
		if !changed && !advancesMarker(current, next) {
			e.markProcessed(ctx, dedupKey)
			return &Result{Outcome: OutcomeUnchanged, Record: current, Previous: current}, nil
		}

		err = e.swap(ctx, current, next)
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrRecordNotFound) {
			e.metrics.RecordVersionConflict()
			e.logger.Debug("Version conflict, re-reading record",
				UserField(current.UserID),
				Field{"attempt", attempt},
				Field{"expectedVersion", current.Version},
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		res := &Result{
			Outcome:     OutcomeUnchanged,
			Record:      next,
			Previous:    current,
			NeedsReview: mapping.NeedsReview,
		}
		if mapping.NeedsReview {
			e.metrics.RecordReviewFlag(next.Status)
			e.logger.Warn("Unrecognized subscription status, flagged for review",
				UserField(next.UserID),
				Field{"status", next.Status},
				EventField(req.EventID),
			)
		}
		if changed {
			res.Outcome = OutcomeApplied
			res.AuditGap = !e.appendAudit(ctx, current, next, req)
			e.logger.Info("Billing record updated",
				UserField(next.UserID),
				Field{"source", req.Source},
				Field{"eventType", req.EventType},
				Field{"status", next.Status},
				Field{"planTier", next.PlanTier},
				Field{"previousPlanTier", current.PlanTier},
				Field{"version", next.Version},
			)
		}
		e.markProcessed(ctx, dedupKey)
		return res, nil
	}

	return nil, fmt.Errorf("%w: user %q after %d attempts", ErrConcurrencyConflict, req.UserID, e.config.MaxAttempts)
}

// resolve finds the record by user id, falling back to the customer index.
func (e *Engine) resolve(ctx context.Context, req ReconcileRequest) (*Record, error) {
	if req.UserID != "" {
		rec, err := e.getRecord(ctx, req.UserID)
		if err == nil || !errors.Is(err, ErrRecordNotFound) {
			return rec, err
		}
	}
	customerID := req.CustomerID
	if customerID == "" {
		customerID = req.Candidate.CustomerID
	}
	if customerID == "" {
		return nil, ErrRecordNotFound
	}

	var rec *Record
	err := e.withRetry(ctx, "get_record_by_customer", func(ctx context.Context) error {
		var err error
		rec, err = e.store.GetRecordByCustomer(ctx, customerID)
		return err
	})
	return rec, err
}

func (e *Engine) getRecord(ctx context.Context, userID string) (*Record, error) {
	var rec *Record
	err := e.withRetry(ctx, "get_record", func(ctx context.Context) error {
		var err error
		rec, err = e.store.GetRecord(ctx, userID)
		return err
	})
	return rec, err
}

func (e *Engine) precheck(current *Record, req ReconcileRequest) (Outcome, bool) {
	if req.EventID != "" && current.LastEventID == req.EventID {
		return OutcomeDuplicate, true
	}
	// Equal markers apply: the processor reports creation times in whole seconds.
	if !req.Marker.IsZero() && req.Marker.Before(current.LastEventAt) {
		return OutcomeStale, true
	}
	if req.RequireCurrentSubscription && req.Candidate.SubscriptionID != current.SubscriptionID {
		return OutcomeIgnored, true
	}
	return "", false
}

func (e *Engine) next(current *Record, req ReconcileRequest) (*Record, Mapping) {
	next := current.Clone()
	c := req.Candidate

	switch {
	case c.CustomerID != "":
		next.CustomerID = c.CustomerID
	case next.CustomerID == "" && req.CustomerID != "":
		next.CustomerID = req.CustomerID
	}
	if c.SubscriptionID != "" {
		next.SubscriptionID = c.SubscriptionID
	}
	if c.Status != "" {
		next.Status = c.Status
	}
	if c.CancelAtPeriodEnd != nil {
		next.CancelAtPeriodEnd = *c.CancelAtPeriodEnd
	}

	mapping := e.mapper.Map(next.Status)
	next.PlanTier = mapping.Tier

	if req.Marker.After(next.LastEventAt) {
		next.LastEventAt = req.Marker
	}
	if req.EventID != "" {
		next.LastEventID = req.EventID
	}
	next.Version = current.Version + 1
	next.UpdatedAt = e.config.Now().UTC()
	return next, mapping
}

// swap writes next over current. A failed attempt may still have committed,
// so a conflict on a later attempt is checked against the stored record.
func (e *Engine) swap(ctx context.Context, current, next *Record) error {
	uncertain := false
	err := e.withRetry(ctx, "compare_and_swap", func(ctx context.Context) error {
		err := e.store.CompareAndSwap(ctx, current.Version, next)
		if err != nil && !isDomainAnswer(err) {
			uncertain = true
		}
		return err
	})
	if !uncertain || !errors.Is(err, ErrVersionConflict) {
		return err
	}

	stored, getErr := e.getRecord(ctx, next.UserID)
	if getErr != nil || !sameWrite(stored, next) {
		return err
	}
	e.logger.Warn("Compare-and-swap reported failure but committed",
		UserField(next.UserID),
		Field{"version", next.Version},
	)
	return nil
}

// sameWrite reports whether stored is the record written as next.
func sameWrite(stored, next *Record) bool {
	return stored.Version == next.Version &&
		stored.Snapshot() == next.Snapshot() &&
		stored.LastEventID == next.LastEventID &&
		stored.LastEventAt.Equal(next.LastEventAt)
}

func advancesMarker(current, next *Record) bool {
	return next.LastEventAt.After(current.LastEventAt) || next.LastEventID != current.LastEventID
}

// appendAudit writes the audit entry for an applied transition. A failure
// leaves a gap in the trail but never undoes the record write.
func (e *Engine) appendAudit(ctx context.Context, prev, next *Record, req ReconcileRequest) bool {
	entry := &AuditEntry{
		ID:        uuid.NewString(),
		UserID:    next.UserID,
		Previous:  prev.Snapshot(),
		New:       next.Snapshot(),
		Source:    req.Source,
		EventType: req.EventType,
		EventID:   req.EventID,
		Marker:    req.Marker,
		Timestamp: next.UpdatedAt,
	}
	err := e.withRetry(ctx, "append_audit", func(ctx context.Context) error {
		return e.audit.AppendAudit(ctx, entry)
	})
	if err != nil {
		e.metrics.RecordAuditGap()
		e.logger.Error("Audit append failed, trail has a gap",
			UserField(next.UserID),
			Field{"source", req.Source},
			EventField(req.EventID),
			Field{"version", next.Version},
			ErrField(err),
		)
		return false
	}
	return true
}

// seen consults the dedup set. An unavailable dedup set is not fatal: the
// record-level event id and causal marker still guard against replays.
func (e *Engine) seen(ctx context.Context, eventID string) bool {
	if e.dedup == nil {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, e.config.OperationTimeout)
	defer cancel()

	ok, err := e.dedup.Seen(callCtx, eventID)
	if err != nil {
		e.logger.Warn("Dedup lookup failed", EventField(eventID), ErrField(err))
		return false
	}
	return ok
}

func (e *Engine) markProcessed(ctx context.Context, eventID string) {
	if e.dedup == nil || eventID == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.config.OperationTimeout)
	defer cancel()

	if err := e.dedup.Mark(callCtx, eventID, e.config.DedupTTL); err != nil {
		e.logger.Warn("Dedup mark failed", EventField(eventID), ErrField(err))
	}
}

// withRetry runs fn with a per-call timeout and retries transient failures
// with exponential backoff. Domain answers are returned unchanged; exhausted
// retries are wrapped in ErrTransientStore.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.RetryInitialInterval
	b.MaxInterval = e.config.RetryMaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.config.StoreRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.config.OperationTimeout)
		defer cancel()

		err := fn(callCtx)
		if err != nil && isDomainAnswer(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		e.metrics.RecordStoreRetry(op)
		e.logger.Warn("Store operation failed, retrying",
			Field{"operation", op},
			Field{"backoff", wait},
			ErrField(err),
		)
	})
	if err == nil || isDomainAnswer(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrTransientStore, op, err)
}
