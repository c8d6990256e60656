// Package apperror defines the error-kind taxonomy shared across the
// control plane, worker agent, and in-sandbox runtime, so ControlAPI
// can map any error to an HTTP status in one place instead of
// scattering ad hoc status codes through handlers.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error for HTTP-status mapping and logging.
type Kind string

const (
	Validation       Kind = "validation"
	Unauthorized     Kind = "unauthorized"
	NotFound         Kind = "not_found"
	Conflict         Kind = "conflict"
	Integrity        Kind = "integrity"
	TransientUpstream Kind = "transient_upstream"
	ResourceLimit    Kind = "resource_limit"
	Timeout          Kind = "timeout"
	FatalInit        Kind = "fatal_init"
)

// Error is a typed application error carrying a kind, a message safe to
// show an operator, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to "" if err is not an
// *Error (or doesn't wrap one).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusFor maps a Kind to the HTTP status ControlAPI should respond
// with. Unknown kinds map to 500.
func StatusFor(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Integrity, FatalInit:
		return http.StatusInternalServerError
	case TransientUpstream:
		return http.StatusServiceUnavailable
	case ResourceLimit:
		return http.StatusOK // clamped, not rejected
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
