// Package errors provides standardized error handling for the coherence
// engine and its HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents semantic error codes for consistent error handling
type ErrorCode string

const (
	// Input validation errors: the entity is malformed and detection never ran
	ErrorCodeValidation    ErrorCode = "VALIDATION_ERROR"
	ErrorCodeRequiredField ErrorCode = "REQUIRED_FIELD"

	// Detection errors: one strategy failed internally and was degraded
	ErrorCodeDetectionStrategy ErrorCode = "DETECTION_STRATEGY_ERROR"

	// Resolution errors
	ErrorCodeResolutionRejected  ErrorCode = "RESOLUTION_REJECTED"
	ErrorCodeRetroactiveConflict ErrorCode = "RETROACTIVE_CONFLICT"
	ErrorCodeTransaction         ErrorCode = "TRANSACTION_ERROR"

	// Resource and session errors
	ErrorCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidSession ErrorCode = "INVALID_SESSION"

	// System errors
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrorCodeTimeout  ErrorCode = "TIMEOUT"
)

// EngineError is the unified error structure surfaced by the engine
type EngineError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

// Error implements the Go error interface
func (e *EngineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As
func (e *EngineError) Unwrap() error { return e.cause }

// New creates an EngineError with the given code and message
func New(code ErrorCode, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// Newf creates an EngineError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an EngineError wrapping a cause
func Wrap(code ErrorCode, message string, cause error) *EngineError {
	return &EngineError{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured details to the error
func (e *EngineError) WithDetails(details interface{}) *EngineError {
	e.Details = details
	return e
}

// NewValidationError creates a validation error with field details
func NewValidationError(field, reason string) *EngineError {
	return &EngineError{
		Code:    ErrorCodeValidation,
		Message: fmt.Sprintf("validation failed for field %q: %s", field, reason),
		Details: map[string]string{"field": field, "reason": reason},
	}
}

// CodeOf extracts the error code from an error chain, defaulting to
// INTERNAL_ERROR for plain errors
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrorCodeInternal
}

// HTTPStatus maps an error code to an HTTP status for the API layer
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrorCodeValidation, ErrorCodeRequiredField, ErrorCodeInvalidSession:
		return http.StatusBadRequest
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeResolutionRejected, ErrorCodeRetroactiveConflict:
		return http.StatusConflict
	case ErrorCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
