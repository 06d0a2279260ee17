package notify

import "errors"

var (
	// ErrAuthentication rejects a handshake; no connection state is created.
	ErrAuthentication = errors.New("authentication failed")
	// ErrBrokerUnavailable switches the dispatcher to inline execution.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrDeliveryTimeout marks a pending acknowledgment that expired.
	ErrDeliveryTimeout = errors.New("delivery acknowledgment timed out")
	// ErrAttemptsExhausted is recorded on a job that failed terminally.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	// ErrTransport wraps provider errors from email and SMS sinks.
	ErrTransport = errors.New("transport failure")
	// ErrStaleConnection is the eviction reason used by the sweep.
	ErrStaleConnection = errors.New("stale connection")
	// ErrInvalidPayload is returned when an enqueue payload fails validation.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrNotFound is returned by stores for unknown records.
	ErrNotFound = errors.New("not found")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Unwrap lets errors.Is match ErrInvalidPayload.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}
