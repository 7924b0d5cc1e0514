package billsync

import "time"

// Metrics defines the interface for tracking reconciliation behaviour.
type Metrics interface {
	// RecordReconcile records the outcome and latency of one Reconcile call.
	RecordReconcile(source Source, outcome Outcome, duration time.Duration)

	// RecordVersionConflict records a compare-and-swap conflict that triggered a re-read.
	RecordVersionConflict()

	// RecordStoreRetry records a retried store operation.
	RecordStoreRetry(operation string)

	// RecordStoreOperation records the duration and status of a store operation.
	RecordStoreOperation(operation string, duration time.Duration, err error)

	// RecordAuditGap records a transition whose audit entry could not be written.
	RecordAuditGap()

	// RecordReviewFlag records an unrecognized status.
	RecordReviewFlag(status Status)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReconcile(source Source, outcome Outcome, duration time.Duration)   {}
func (n *NoopMetrics) RecordVersionConflict()                                                   {}
func (n *NoopMetrics) RecordStoreRetry(operation string)                                        {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordAuditGap()                                                          {}
func (n *NoopMetrics) RecordReviewFlag(status Status)                                           {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                             {}
