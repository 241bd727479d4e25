package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeBuild             = "BUILD_ERROR"
	ErrCodeHandler           = "HANDLER_ERROR"
	ErrCodeCheckpoint        = "CHECKPOINT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeMaxSupersteps     = "MAX_SUPERSTEPS"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// GraphError is the structured error type for all engine operations.
type GraphError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	ExecutorID string         `json:"executor_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *GraphError) Error() string {
	if e.ExecutorID != "" {
		return fmt.Sprintf("[%s] executor %s: %s", e.Code, e.ExecutorID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GraphError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GraphError.
func NewError(code, message string) *GraphError {
	return &GraphError{Code: code, Message: message}
}

// NewErrorf creates a new GraphError with a formatted message.
func NewErrorf(code, format string, args ...any) *GraphError {
	return &GraphError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithExecutor attaches an executor ID to the error.
func (e *GraphError) WithExecutor(executorID string) *GraphError {
	e.ExecutorID = executorID
	return e
}

// WithCause attaches an underlying cause.
func (e *GraphError) WithCause(err error) *GraphError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GraphError) WithDetails(details map[string]any) *GraphError {
	e.Details = details
	return e
}

// IsRetryable reports whether a retry could succeed for this error code.
func (e *GraphError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeBuild, ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInvalidTransition, ErrCodeCancelled, ErrCodeNonRetryable,
		ErrCodeExpression, ErrCodeMaxSupersteps:
		return false
	default:
		return true
	}
}

// IsCode reports whether err (or anything it wraps) is a GraphError with the given code.
func IsCode(err error, code string) bool {
	var gErr *GraphError
	if errors.As(err, &gErr) {
		return gErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first GraphError in err's chain, or "".
func CodeOf(err error) string {
	var gErr *GraphError
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	return ""
}
