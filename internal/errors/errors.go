package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Backend
	ErrCodeAPI       ErrorCode = "API_ERROR"
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"

	// Session state
	ErrCodeSessionDestroyed      ErrorCode = "SESSION_DESTROYED"
	ErrCodeSessionNotInitialized ErrorCode = "SESSION_NOT_INITIALIZED"

	// Event payloads
	ErrCodeNormalization ErrorCode = "NORMALIZATION_ERROR"

	// Outbox
	ErrCodeOutboxExhausted ErrorCode = "OUTBOX_EXHAUSTED"
	ErrCodeOutboxExpired   ErrorCode = "OUTBOX_EXPIRED"
	ErrCodeOutboxClosed    ErrorCode = "OUTBOX_CLOSED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeStorage  ErrorCode = "STORAGE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: backend responded %d: %s", ErrCodeAPI, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: backend responded %d", ErrCodeAPI, e.StatusCode)
}

// Retryable reports whether repeating the request may succeed.
// Client errors (400, 401, 403, 422 and the rest of 4xx) are terminal.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func Transport(cause error) *AppError {
	return Wrap(ErrCodeTransport, "Backend transport error", cause)
}

func Destroyed() *AppError {
	return New(ErrCodeSessionDestroyed, "Session has been destroyed")
}

func NotInitialized() *AppError {
	return New(ErrCodeSessionNotInitialized, "Session is not initialized yet")
}

func Normalization(event string, cause error) *AppError {
	return Wrap(ErrCodeNormalization, fmt.Sprintf("Failed to normalize %s payload", event), cause)
}

func OutboxExhausted(attempts int) *AppError {
	return New(ErrCodeOutboxExhausted, fmt.Sprintf("Delivery abandoned after %d attempts", attempts))
}

func OutboxExpired() *AppError {
	return New(ErrCodeOutboxExpired, "Queued message expired before delivery")
}

func OutboxClosed() *AppError {
	return New(ErrCodeOutboxClosed, "Outbox is closed")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func Storage(cause error) *AppError {
	return Wrap(ErrCodeStorage, "Storage error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// AsAPIError extracts a backend response error from the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	if _, ok := AsAPIError(err); ok {
		return ErrCodeAPI
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
