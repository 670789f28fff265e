// Package errors provides standardized API error types.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aidchain/orchestrator/internal/pkg/fault"
)

// APIError is the wire form of a failed request: a single safe message,
// plus detail that is only serialised outside production.
type APIError struct {
	Message    string `json:"error"`
	Details    string `json:"details,omitempty"`
	StatusCode int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error carrying diagnostic detail.
func (e *APIError) WithDetails(details string) *APIError {
	return &APIError{
		Message:    e.Message,
		Details:    details,
		StatusCode: e.StatusCode,
	}
}

// Redacted returns a copy with the details stripped, for production
// responses.
func (e *APIError) Redacted() *APIError {
	return &APIError{Message: e.Message, StatusCode: e.StatusCode}
}

// Standard error definitions
var (
	// ErrUnauthorized is returned when authentication is missing or invalid.
	ErrUnauthorized = &APIError{
		Message:    "authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrForbidden is returned when the caller lacks permission.
	ErrForbidden = &APIError{
		Message:    "permission denied",
		StatusCode: http.StatusForbidden,
	}

	// ErrNotFound is returned when a resource does not exist.
	ErrNotFound = &APIError{
		Message:    "resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &APIError{
		Message:    "invalid request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrRateLimited is returned when rate limits are exceeded.
	ErrRateLimited = &APIError{
		Message:    "too many requests",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Message:    "an internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrServiceUnavailable is returned when a dependency is unavailable.
	ErrServiceUnavailable = &APIError{
		Message:    "service temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Message:    fmt.Sprintf("validation failed: %s", message),
		Details:    fmt.Sprintf("field %q: %s", field, message),
		StatusCode: http.StatusBadRequest,
	}
}

// AsAPIError converts any error to an APIError, classifying by fault kind
// when the error carries one.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch fault.KindOf(err) {
	case fault.Validation:
		return ErrBadRequest.WithDetails(err.Error())
	case fault.Transient:
		return ErrServiceUnavailable.WithDetails(err.Error())
	case fault.Permanent:
		return &APIError{
			Message:    "dependency failure",
			Details:    err.Error(),
			StatusCode: http.StatusBadGateway,
		}
	default:
		return ErrInternal.WithDetails(err.Error())
	}
}
