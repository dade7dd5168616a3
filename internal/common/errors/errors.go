// Package errors provides the standardized error taxonomy for the
// entitlement service: authentication, validation, not-found and
// infrastructure failures are distinct because callers react to them
// differently (reject, deny, no-op, fail-closed).
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeAuthentication  ErrorCode = "AUTHENTICATION_ERROR"
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeInfrastructure  ErrorCode = "INFRASTRUCTURE_ERROR"
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// NewAuthenticationError creates a non-retryable authentication error.
// Rejected before any read or write happens.
func NewAuthenticationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAuthentication,
		Message:   "Authentication failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationError creates a non-retryable validation error.
func NewValidationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidation,
		Message:   "Request validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotFoundError creates a non-retryable not-found error.
func NewNotFoundError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotFound,
		Message:   "Resource not found",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInfrastructureError creates a retryable backend error. Callers must
// be able to tell "denied" from "backend broken"; this code is the latter.
func NewInfrastructureError(component string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInfrastructure,
		Message:   fmt.Sprintf("Infrastructure failure in %s", component),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewVersionConflictError creates a retryable optimistic-concurrency error.
func NewVersionConflictError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeVersionConflict,
		Message:   "Concurrent update lost the version race",
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// IsCode reports whether err is a StandardError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Code == code
	}
	return false
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool { return IsCode(err, ErrCodeAuthentication) }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return IsCode(err, ErrCodeValidation) }

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return IsCode(err, ErrCodeNotFound) }

// IsInfrastructure reports whether err is a backend failure.
func IsInfrastructure(err error) bool { return IsCode(err, ErrCodeInfrastructure) }

// Normalize ensures err is a StandardError, wrapping unknown errors as internal.
func Normalize(err error) *StandardError {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr
	}
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}
