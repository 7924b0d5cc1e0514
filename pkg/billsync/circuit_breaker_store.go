package billsync

import (
	"context"
	"time"
)

// CircuitBreakerStore wraps a Store and AuditLog with circuit breaker protection.
// ErrCircuitOpen counts as a transient error for the engine.
type CircuitBreakerStore struct {
	store Store
	audit AuditLog
	cb    CircuitBreaker
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
// audit may be nil when the wrapped store does not keep the audit trail.
func NewCircuitBreakerStore(store Store, audit AuditLog, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{store: store, audit: audit, cb: cb}
}

func (s *CircuitBreakerStore) GetRecord(ctx context.Context, userID string) (*Record, error) {
	var rec *Record
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.store.GetRecord(ctx, userID)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStore) GetRecordByCustomer(ctx context.Context, customerID string) (*Record, error) {
	var rec *Record
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.store.GetRecordByCustomer(ctx, customerID)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStore) CreateRecord(ctx context.Context, rec *Record) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.CreateRecord(ctx, rec)
	})
}

func (s *CircuitBreakerStore) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *Record) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.CompareAndSwap(ctx, expectedVersion, rec)
	})
}

func (s *CircuitBreakerStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if s.audit == nil {
		return ErrStoreUnavailable
	}
	return s.cb.Execute(ctx, func() error {
		return s.audit.AppendAudit(ctx, entry)
	})
}

func (s *CircuitBreakerStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	if s.audit == nil {
		return nil, ErrStoreUnavailable
	}
	var entries []*AuditEntry
	err := s.cb.Execute(ctx, func() error {
		var e error
		entries, e = s.audit.ListAudit(ctx, filter)
		return e
	})
	return entries, err
}

// InstrumentedStore records per-operation latency through Metrics.
type InstrumentedStore struct {
	Store
	metrics Metrics
}

// NewInstrumentedStore wraps store with metrics.
func NewInstrumentedStore(store Store, metrics Metrics) *InstrumentedStore {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &InstrumentedStore{Store: store, metrics: metrics}
}

func (s *InstrumentedStore) GetRecord(ctx context.Context, userID string) (*Record, error) {
	start := time.Now()
	rec, err := s.Store.GetRecord(ctx, userID)
	s.metrics.RecordStoreOperation("get_record", time.Since(start), storeErr(err))
	return rec, err
}

func (s *InstrumentedStore) GetRecordByCustomer(ctx context.Context, customerID string) (*Record, error) {
	start := time.Now()
	rec, err := s.Store.GetRecordByCustomer(ctx, customerID)
	s.metrics.RecordStoreOperation("get_record_by_customer", time.Since(start), storeErr(err))
	return rec, err
}

func (s *InstrumentedStore) CreateRecord(ctx context.Context, rec *Record) error {
	start := time.Now()
	err := s.Store.CreateRecord(ctx, rec)
	s.metrics.RecordStoreOperation("create_record", time.Since(start), storeErr(err))
	return err
}

func (s *InstrumentedStore) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *Record) error {
	start := time.Now()
	err := s.Store.CompareAndSwap(ctx, expectedVersion, rec)
	s.metrics.RecordStoreOperation("compare_and_swap", time.Since(start), storeErr(err))
	return err
}

// storeErr drops domain answers so only real failures count as errors.
func storeErr(err error) error {
	switch {
	case err == nil, isDomainAnswer(err):
		return nil
	}
	return err
}
