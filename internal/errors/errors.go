// Package errors provides structured error handling for EduPilot.
//
// Every error the core surfaces carries a Kind that maps to an HTTP
// status and a retryable flag. Component boundaries return these instead
// of raising ad-hoc errors; only KindInternal keeps a stack-style cause
// chain for logging.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	// KindValidation indicates malformed input. Never retried.
	KindValidation Kind = "validation"
	// KindAuth indicates missing or invalid credentials.
	KindAuth Kind = "auth"
	// KindRateLimit indicates the principal exceeded its admission window.
	KindRateLimit Kind = "rate_limit"
	// KindNotFound indicates an unknown session, chunk, document or job.
	KindNotFound Kind = "not_found"
	// KindExtraction indicates an ingestion upstream or format issue.
	KindExtraction Kind = "extraction"
	// KindProvider indicates an upstream chat/embed/rerank failure.
	KindProvider Kind = "provider"
	// KindCircuitOpen is an internal signal converted to a degraded
	// fallback before it reaches a client.
	KindCircuitOpen Kind = "circuit_open"
	// KindCancelled indicates the client disconnected. Not logged as error.
	KindCancelled Kind = "cancelled"
	// KindInternal indicates an unexpected failure.
	KindInternal Kind = "internal"
)

// Error is the structured error type used across component boundaries.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Cause     error

	// Details holds additional context for structured logging.
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind so errors.Is works across wrap layers.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail attaches a key-value detail and returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindExtraction:
		return http.StatusUnprocessableEntity
	case KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates a structured error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind == KindProvider}
}

// Wrap creates a structured error wrapping a cause. Returns nil for a nil
// cause so call sites can wrap unconditionally.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause, Retryable: kind == KindProvider}
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// NotFound creates a not-found error for the named entity.
func NotFound(entity, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %q not found", entity, id)).WithDetail("entity", entity)
}

// Provider creates an upstream provider error. retryable marks transient
// failures (network errors, 429, 5xx).
func Provider(message string, retryable bool, cause error) *Error {
	return &Error{Kind: KindProvider, Message: message, Cause: cause, Retryable: retryable}
}

// Extraction creates an extraction error with the given failure kind
// (unsupported, oversized, upstream, empty).
func Extraction(failure, message string, cause error) *Error {
	e := &Error{Kind: KindExtraction, Message: message, Cause: cause}
	return e.WithDetail("failure", failure)
}

// Internal creates an internal error.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// Cancelled creates a cancellation error.
func Cancelled(message string) *Error {
	return New(KindCancelled, message)
}

// KindOf extracts the kind from an error chain. Unknown errors are
// classified as internal; context cancellations as cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether the error chain allows a retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsKind reports whether the error chain contains the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
