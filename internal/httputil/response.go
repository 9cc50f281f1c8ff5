package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string              `json:"error"`
	Code    apperrors.ErrorCode `json:"code"`
	Details any                 `json:"details,omitempty"`
}

// WriteError writes an error as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	if apiErr, ok := apperrors.AsAPIError(err); ok {
		WriteJSON(w, statusFromAPIError(apiErr), ErrorResponse{
			Error: apiErr.Error(),
			Code:  apperrors.ErrCodeAPI,
		})
		return
	}

	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		// Wrap unknown errors as internal errors
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	status := statusFromCode(appErr.Code)
	response := ErrorResponse{
		Error:   appErr.Message,
		Code:    appErr.Code,
		Details: appErr.Details,
	}

	WriteJSON(w, status, response)
}

// WriteErrorWithStatus writes an error with a specific HTTP status code
func WriteErrorWithStatus(w http.ResponseWriter, status int, err *apperrors.AppError) {
	response := ErrorResponse{
		Error:   err.Message,
		Code:    err.Code,
		Details: err.Details,
	}
	WriteJSON(w, status, response)
}

// Backend client errors are passed through; backend failures surface as 502.
func statusFromAPIError(err *apperrors.APIError) int {
	if err.StatusCode >= 400 && err.StatusCode < 500 {
		return err.StatusCode
	}
	return http.StatusBadGateway
}

// statusFromCode maps ErrorCode to HTTP status code
func statusFromCode(code apperrors.ErrorCode) int {
	switch code {
	// 400 Bad Request
	case apperrors.ErrCodeValidation,
		apperrors.ErrCodeInvalidInput,
		apperrors.ErrCodeMissingRequired,
		apperrors.ErrCodeNormalization:
		return http.StatusBadRequest

	// 401 Unauthorized
	case apperrors.ErrCodeUnauthorized,
		apperrors.ErrCodeInvalidToken:
		return http.StatusUnauthorized

	// 404 Not Found
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound

	// 409 Conflict
	case apperrors.ErrCodeConflict,
		apperrors.ErrCodeSessionNotInitialized:
		return http.StatusConflict

	// 410 Gone
	case apperrors.ErrCodeSessionDestroyed,
		apperrors.ErrCodeOutboxExpired,
		apperrors.ErrCodeOutboxExhausted:
		return http.StatusGone

	// 502 Bad Gateway
	case apperrors.ErrCodeAPI,
		apperrors.ErrCodeTransport:
		return http.StatusBadGateway

	// 503 Service Unavailable
	case apperrors.ErrCodeOutboxClosed:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
