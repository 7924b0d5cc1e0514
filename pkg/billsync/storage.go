package billsync

import (
	"context"
	"time"
)

// Store persists billing records.
type Store interface {
	// GetRecord returns the record for userID or ErrRecordNotFound.
	GetRecord(ctx context.Context, userID string) (*Record, error)

	// GetRecordByCustomer resolves a record through the processor customer id.
	// Returns ErrRecordNotFound when no record carries the customer id.
	GetRecordByCustomer(ctx context.Context, customerID string) (*Record, error)

	// CreateRecord inserts a record with Version 1.
	// Returns ErrRecordExists if the user already has one and ErrCustomerInUse
	// if its customer id is indexed to another user.
	CreateRecord(ctx context.Context, rec *Record) error

	// CompareAndSwap replaces the stored record with rec only if the stored
	// version equals expectedVersion. Callers set rec.Version to expectedVersion+1.
	// Returns ErrVersionConflict when the versions differ and ErrRecordNotFound
	// when the record vanished. The customer index follows rec.CustomerID;
	// ErrCustomerInUse if another user already holds it.
	CompareAndSwap(ctx context.Context, expectedVersion int64, rec *Record) error
}

// AuditLog is the append-only transition log.
type AuditLog interface {
	// AppendAudit appends one entry. Entries are never modified; appending an
	// entry id that is already stored succeeds without writing.
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// ListAudit returns the entries for a user in chronological order (oldest first).
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// DedupSet remembers processed webhook event ids.
type DedupSet interface {
	// Seen reports whether eventID was marked and has not expired.
	Seen(ctx context.Context, eventID string) (bool, error)

	// Mark records eventID for ttl.
	Mark(ctx context.Context, eventID string, ttl time.Duration) error
}
