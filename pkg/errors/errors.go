// Package errors defines the error taxonomy surfaced by the gateway.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes. These are stable operator-facing identifiers; the
// customer-facing body carries only a generic message unless the debug
// header is present.
const (
	// ErrConfig is returned when a configuration section is missing or invalid
	ErrConfig = "config"

	// ErrAuthentication is returned when a token or API key fails validation
	ErrAuthentication = "authentication"

	// ErrForbidden is returned when required scopes or roles are missing
	ErrForbidden = "forbidden"

	// ErrValidation is returned when request input fails validation
	ErrValidation = "validation"

	// ErrNotFound is returned when no route matches the request
	ErrNotFound = "not_found"

	// ErrConflict is returned when a destination file exists and overwrite is disabled
	ErrConflict = "conflict"

	// ErrUpstream is returned when a proxy target or database is unreachable
	ErrUpstream = "upstream"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the gateway.
type Error struct {
	// Code is the stable error code
	Code string

	// Message is the error message
	Message string

	// Status is the HTTP status to surface; zero means the default for Code
	Status int

	// Cause is the underlying error
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status code this error surfaces as.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new error.
func New(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// NewWithStatus creates a new error carrying an explicit HTTP status.
// Used for SQL-raised "50XXX" statuses and proxied status passthrough.
func NewWithStatus(code, message string, status int, cause error) *Error {
	return &Error{Code: code, Message: message, Status: status, Cause: cause}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, cause error) *Error {
	return New(ErrConfig, message, cause)
}

// NewAuthenticationError creates a new authentication error.
func NewAuthenticationError(message string, cause error) *Error {
	return New(ErrAuthentication, message, cause)
}

// NewForbiddenError creates a new forbidden error.
func NewForbiddenError(message string, cause error) *Error {
	return New(ErrForbidden, message, cause)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, cause error) *Error {
	return New(ErrValidation, message, cause)
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(message string, cause error) *Error {
	return New(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, cause error) *Error {
	return New(ErrConflict, message, cause)
}

// NewUpstreamError creates a new upstream error.
func NewUpstreamError(message string, cause error) *Error {
	return New(ErrUpstream, message, cause)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *Error {
	return New(ErrInternal, message, cause)
}

func is(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsConfig checks if the error is a configuration error.
func IsConfig(err error) bool { return is(err, ErrConfig) }

// IsAuthentication checks if the error is an authentication error.
func IsAuthentication(err error) bool { return is(err, ErrAuthentication) }

// IsForbidden checks if the error is a forbidden error.
func IsForbidden(err error) bool { return is(err, ErrForbidden) }

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool { return is(err, ErrValidation) }

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return is(err, ErrNotFound) }

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool { return is(err, ErrConflict) }

// IsUpstream checks if the error is an upstream error.
func IsUpstream(err error) bool { return is(err, ErrUpstream) }

// IsInternal checks if the error is an internal error.
func IsInternal(err error) bool { return is(err, ErrInternal) }
