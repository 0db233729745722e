// Package errs defines the error taxonomy shared by the engines, the
// pipeline, and the query API.
//
// Every failure is classified into a Kind. The pipeline inspects the kind to
// decide between retry and dead-letter; the API maps kinds onto HTTP-style
// statuses. Wrapping preserves the cause chain for errors.Is / errors.As.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for routing decisions.
type Kind string

const (
	// Validation: malformed envelope, settlement day outside [0,4], unknown
	// order type. Dead-letter immediately, no retry.
	Validation Kind = "VALIDATION"

	// NotFound: unknown security, counterparty, or aggregation unit.
	// Dead-letter and emit reference-missing for backfill.
	NotFound Kind = "NOT_FOUND"

	// InsufficientAvailability / LimitExceeded: business-level denials.
	// Surfaced to the caller, never retried.
	InsufficientAvailability Kind = "INSUFFICIENT_AVAILABILITY"
	LimitExceeded            Kind = "LIMIT_EXCEEDED"

	// Conflict: CAS version mismatch. Retried a few times with jitter before
	// dead-lettering.
	Conflict Kind = "CONFLICT"

	// Timeout / LeaseUnavailable: transient; pipeline retries with backoff.
	Timeout          Kind = "TIMEOUT"
	LeaseUnavailable Kind = "LEASE_UNAVAILABLE"

	// Unavailable: cache quorum lost or broker unreachable. Fatal for the
	// worker, which quiesces until recovery.
	Unavailable Kind = "UNAVAILABLE"

	// Internal: anything unclassified.
	Internal Kind = "INTERNAL"
)

// Error carries a kind, a message, and an optional cause and correlation ID.
type Error struct {
	Kind          Kind
	Msg           string
	CorrelationID string
	Cause         error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// WithCorrelation attaches the correlation ID of the triggering event.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// KindOf extracts the kind from any error. Unclassified errors are Internal;
// nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// CorrelationOf extracts the correlation ID attached to the error, if any.
func CorrelationOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.CorrelationID
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the pipeline should retry rather than
// dead-letter.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Timeout, LeaseUnavailable, Conflict:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind onto the stable status contract of the query API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case LimitExceeded, InsufficientAvailability:
		return http.StatusUnprocessableEntity
	case Timeout, LeaseUnavailable:
		return http.StatusGatewayTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
