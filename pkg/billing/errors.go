package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API fails or is unreachable
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrProcessorRejected is returned when the provider refuses the request itself (e.g. unknown price)
	ErrProcessorRejected = errors.New("billing provider rejected request")

	// ErrNoActiveSubscription is returned when a user has nothing to cancel
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrCustomerNotFound is returned when the user has no customer at the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")
)

// classifyProcessorError makes sure every processor failure carries one of
// the two processor sentinels.
func classifyProcessorError(err error) error {
	if err == nil || errors.Is(err, ErrProcessorRejected) || errors.Is(err, ErrProviderAPIError) {
		return err
	}
	return errors.Join(ErrProviderAPIError, err)
}

// processorStatus is the metrics status label of a classified processor error.
func processorStatus(err error) string {
	if errors.Is(err, ErrProcessorRejected) {
		return "rejected"
	}
	return "error"
}
