// Package errors provides the error taxonomy for the codesdk daemon.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Engine-level error codes. These describe why a task or tool call failed and
// surface in event payloads.
const (
	ErrCodeContextTooLarge = "CONTEXT_TOO_LARGE"
	ErrCodeRuntimeError    = "RUNTIME_ERROR"
	ErrCodeToolError       = "TOOL_ERROR"
	ErrCodeAuthError       = "AUTH_ERROR"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeInvalidEvent    = "INVALID_EVENT"
	ErrCodeInternal        = "INTERNAL"
)

// HTTP-level error codes. These are returned synchronously by the API and
// never append events.
const (
	ErrCodeInvalidRequest    = "invalid_request"
	ErrCodeNotFound          = "not_found"
	ErrCodeConflict          = "conflict"
	ErrCodeAttemptMismatch   = "attempt_mismatch"
	ErrCodeInputHashMismatch = "input_hash_mismatch"
	ErrCodeTooLarge          = "too_large"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeBackpressure      = "backpressure"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"error"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Retryable  bool   `json:"retryable,omitempty"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// BadRequest creates a new invalid-request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a new not-found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Conflict creates a new state-conflict error with a specific code.
func Conflict(code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// TooLarge creates a new payload-too-large error.
func TooLarge(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTooLarge,
		Message:    message,
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
}

// RateLimited creates a new rate-limit error.
func RateLimited(message string) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimited,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
		Retryable:  true,
	}
}

// Backpressure creates a new admission-refused error.
func Backpressure(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBackpressure,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
		Retryable:  true,
	}
}

// RuntimeError creates an error for an adapter that failed to start or whose
// event stream errored.
func RuntimeError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRuntimeError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Retryable:  true,
		Err:        err,
	}
}

// ToolError creates an error for a tool execution failure.
func ToolError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeToolError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AuthError creates an error for a runtime that reported missing credentials.
func AuthError(runtime string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthError,
		Message:    fmt.Sprintf("runtime '%s' is not authenticated", runtime),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Cancelled creates an error for a stopped task.
func Cancelled(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    reason,
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidEvent creates an error for a malformed adapter event. Fatal to the
// task that produced it.
func InvalidEvent(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidEvent,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Internal creates an error for an engine invariant violation.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error preserving an AppError's code and status.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Retryable:  appErr.Retryable,
			Err:        err,
		}
	}
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the error code for an error, or INTERNAL if it is not an
// AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// GetHTTPStatus returns the HTTP status code for an error. Returns 500 if the
// error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
