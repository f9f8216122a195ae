// Package errors provides standardized error handling for the host request engine.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists       ErrorCode = "ALREADY_EXISTS"
	ErrCodeInvalidState        ErrorCode = "INVALID_STATE"
	ErrCodeConflict            ErrorCode = "CONFLICT"
	ErrCodePersistenceFailure  ErrorCode = "PERSISTENCE_FAILURE"
	ErrCodeNotificationFailure ErrorCode = "NOTIFICATION_FAILURE"
	ErrCodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Error Constructors
// ==========================

// NewNotFoundError creates a non-retryable lookup error. The caller shows a
// clear message; no state change happened.
func NewNotFoundError(resource, id string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotFound,
		Message:   fmt.Sprintf("%s not found", resource),
		Details:   fmt.Sprintf("%s: %s", resource, id),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAlreadyExistsError creates a non-retryable duplicate-creation error.
func NewAlreadyExistsError(resource, key string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAlreadyExists,
		Message:   fmt.Sprintf("%s already exists", resource),
		Details:   fmt.Sprintf("%s: %s", resource, key),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidStateError creates a non-retryable guard rejection, e.g. starting
// an already-started workflow or mutating a terminal request.
func NewInvalidStateError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidState,
		Message:   "operation rejected by state guard",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewConflictError creates the error reported to a caller that lost a
// compare-and-swap race. The losing path treats it as "already handled".
func NewConflictError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConflict,
		Message:   "concurrent update won the race",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewPersistenceFailureError creates a retryable database error. Fatal to the
// current operation; logged and surfaced generically.
func NewPersistenceFailureError(op string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodePersistenceFailure,
		Message:   "database operation failed",
		Details:   fmt.Sprintf("op: %s, error: %s", op, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotificationFailureError creates a retryable delivery error. Non-fatal to
// the state machine; triggers the escalation-on-failure policy.
func NewNotificationFailureError(target string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotificationFailure,
		Message:   "notification delivery failed",
		Details:   fmt.Sprintf("target: %s, error: %s", target, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationFailedError creates a non-retryable payload validation error.
func NewValidationFailedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "payload validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// CodeOf extracts the error code, or empty when err is not a StandardError.
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ""
}

func IsNotFound(err error) bool      { return CodeOf(err) == ErrCodeNotFound }
func IsAlreadyExists(err error) bool { return CodeOf(err) == ErrCodeAlreadyExists }
func IsInvalidState(err error) bool  { return CodeOf(err) == ErrCodeInvalidState }
func IsConflict(err error) bool      { return CodeOf(err) == ErrCodeConflict }

// IsRetryable reports whether the operation may be retried as-is.
func IsRetryable(err error) bool {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return false
}
