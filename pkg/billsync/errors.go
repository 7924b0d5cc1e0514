package billsync

import "errors"

var (
	// ErrRecordNotFound is returned when the user has no billing record
	ErrRecordNotFound = errors.New("billing record not found")

	// ErrRecordExists is returned by CreateRecord when the user already has a record
	ErrRecordExists = errors.New("billing record already exists")

	// ErrVersionConflict is returned by CompareAndSwap when the stored version moved
	ErrVersionConflict = errors.New("billing record version conflict")

	// ErrCustomerInUse is returned when a processor customer id is already
	// indexed to a different user
	ErrCustomerInUse = errors.New("customer already belongs to another user")

	// ErrConcurrencyConflict is returned when version conflicts persist past the retry budget
	ErrConcurrencyConflict = errors.New("concurrency conflict: retries exhausted")

	// ErrTransientStore is returned when the store keeps failing past the retry budget
	ErrTransientStore = errors.New("transient store error")

	// ErrStoreUnavailable is returned when no store is configured
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidRequest is returned for missing identifiers
	ErrInvalidRequest = errors.New("invalid request")
)

// IsTransient reports whether err should be answered with a retryable failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrCircuitOpen)
}

// IsPermanent reports whether err will recur on every redelivery of the same
// input, so retrying cannot help.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrCustomerInUse) || errors.Is(err, ErrInvalidRequest)
}

// isDomainAnswer reports errors that describe state rather than a failing store.
func isDomainAnswer(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrRecordExists) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrCustomerInUse)
}
