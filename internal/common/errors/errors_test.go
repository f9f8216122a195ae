// internal/common/errors/errors_test.go
package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// ==========================
// Error Formatting
// ==========================

func TestStandardError_ErrorIncludesDetails(t *testing.T) {
	err := NewInvalidStateError("request req-1 is already expired")

	assert.Contains(t, err.Error(), "INVALID_STATE")
	assert.Contains(t, err.Error(), "request req-1 is already expired")
}

func TestStandardError_ErrorWithoutDetails(t *testing.T) {
	err := &StandardError{Code: ErrCodeConflict, Message: "concurrent update won the race"}

	assert.Equal(t, "StandardError[CONFLICT]: concurrent update won the race", err.Error())
}

// ==========================
// Code Helpers
// ==========================

func TestCodeOf_UnwrapsNestedErrors(t *testing.T) {
	inner := NewConflictError("event event-1 already has accepted host user-a")
	wrapped := fmt.Errorf("callback dispatch: %w", inner)

	assert.Equal(t, ErrCodeConflict, CodeOf(wrapped))
	assert.True(t, IsConflict(wrapped))
	assert.Contains(t, wrapped.Error(), "user-a")
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(fmt.Errorf("plain")))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestIsRetryable_FollowsConstructorClass(t *testing.T) {
	assert.True(t, IsRetryable(NewPersistenceFailureError("request.get", fmt.Errorf("timeout"))))
	assert.False(t, IsRetryable(NewNotFoundError("request", "req-1")))
}
