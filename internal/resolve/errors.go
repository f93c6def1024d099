package resolve

import (
	"errors"
	"fmt"
	"strings"
)

// Errors that can be checked with errors.Is().
var (
	// ErrNoProviderConfigured is returned when the provider list is empty.
	ErrNoProviderConfigured = errors.New("no provider configured")

	// ErrAllProvidersFailed is returned when every provider was tried and
	// none produced a usable answer.
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// Reason classifies why a single provider attempt failed.
type Reason string

// Attempt failure reasons. Values double as metric outcome labels.
const (
	ReasonTransport Reason = "transport_error"
	ReasonTimeout   Reason = "timeout"
	ReasonStatus    Reason = "bad_status"
	ReasonRejected  Reason = "rejected"
	ReasonThrottled Reason = "throttled"
)

// AttemptError describes one failed provider attempt. It is recorded and
// logged but never returned on its own.
type AttemptError struct {
	Provider string
	Reason   Reason
	Cause    error
}

// Error implements the error interface.
func (e *AttemptError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("provider %q: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("provider %q: %s: %v", e.Provider, e.Reason, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *AttemptError) Unwrap() error {
	return e.Cause
}

// AllProvidersFailedError is returned when the chain is exhausted.
type AllProvidersFailedError struct {
	// AttemptedProviders lists provider names in the order they were tried.
	AttemptedProviders []string

	// LastError is the failure of the last attempted provider.
	LastError error
}

// Error implements the error interface.
func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed (attempted: %s, last error: %v)",
		strings.Join(e.AttemptedProviders, ", "), e.LastError)
}

// Is implements error matching for errors.Is().
func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// Unwrap returns the wrapped error for error chain traversal.
func (e *AllProvidersFailedError) Unwrap() error {
	return e.LastError
}
