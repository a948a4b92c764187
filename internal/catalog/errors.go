package catalog

import (
	"errors"
	"fmt"
	"time"
)

// AuthError reports a failed authentication or authorization against the
// catalog. It is fatal: callers must surface it immediately and never retry.
type AuthError struct {
	// Op is the operation that failed (e.g. "wiql query").
	Op string
	// Status is the HTTP status code returned by the catalog.
	Status int
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("catalog: %s: authentication failed (HTTP %d)", e.Op, e.Status)
}

// TransientError reports a retryable failure: a rate limit or a transient
// network/server condition. RetryAfter carries the provider-specified delay
// when one was supplied, zero otherwise.
type TransientError struct {
	// Op is the operation that failed.
	Op string
	// Status is the HTTP status code, zero for network-level failures.
	Status int
	// RetryAfter is the provider-requested delay before the next attempt.
	RetryAfter time.Duration
	// Err is the underlying cause, may be nil.
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog: %s: transient failure (HTTP %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("catalog: %s: transient failure (HTTP %d)", e.Op, e.Status)
}

// Unwrap returns the underlying cause.
func (e *TransientError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter returns the provider-specified retry delay carried by err,
// or zero if err is not transient or carries no delay.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
