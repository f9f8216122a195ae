// internal/common/errors/handler.go
package errors

import (
	"time"
)

// ErrorHandler normalizes and logs engine errors with a uniform shape so the
// sweep loop and callback surface report failures the same way.
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle normalizes err to a StandardError and logs it against the named
// operation. Guard rejections and lost races log at warn level; everything
// else is an error. The normalized error is returned for the caller to
// propagate or swallow.
func (h *ErrorHandler) Handle(op string, err error, fields map[string]interface{}) *StandardError {
	stdErr := h.normalizeError(err)

	logFields := map[string]interface{}{
		"op":        op,
		"errorCode": string(stdErr.Code),
		"details":   stdErr.Details,
		"retryable": stdErr.Retryable,
	}
	for k, v := range fields {
		logFields[k] = v
	}

	switch stdErr.Code {
	case ErrCodeConflict, ErrCodeInvalidState, ErrCodeNotFound, ErrCodeAlreadyExists:
		h.logger.Warn(stdErr.Message, logFields)
	default:
		h.logger.Error(stdErr.Message, logFields)
	}

	return stdErr
}

// normalizeError ensures we always have a StandardError.
func (h *ErrorHandler) normalizeError(err error) *StandardError {
	if stdErr, ok := err.(*StandardError); ok {
		return stdErr
	}
	return &StandardError{
		Code:      "INTERNAL_ERROR",
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}
