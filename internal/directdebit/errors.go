package directdebit

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced remote resource does not exist.
var ErrNotFound = errors.New("resource not found")

// ValidationError reports caller-supplied data that violates the client
// contract before any remote call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProviderError wraps a provider-side rejection (4xx). The original provider
// message is preserved for diagnostics.
type ProviderError struct {
	Op         string // "provider customer creation", "bank account creation", ...
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

// TransportError wraps a network failure, timeout, or provider-side 5xx.
// Retryable by the caller with the same idempotency key.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error is safe to resend with the same
// idempotency key.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
