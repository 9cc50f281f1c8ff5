package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{"missing field", apperrors.MissingRequired("to"), http.StatusBadRequest, apperrors.ErrCodeMissingRequired},
		{"not found", apperrors.NotFound("Session"), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"destroyed", apperrors.Destroyed(), http.StatusGone, apperrors.ErrCodeSessionDestroyed},
		{"not initialized", apperrors.NotInitialized(), http.StatusConflict, apperrors.ErrCodeSessionNotInitialized},
		{"transport", apperrors.Transport(fmt.Errorf("reset")), http.StatusBadGateway, apperrors.ErrCodeTransport},
		{"backend 422", &apperrors.APIError{StatusCode: 422}, http.StatusUnprocessableEntity, apperrors.ErrCodeAPI},
		{"backend 503", &apperrors.APIError{StatusCode: 503}, http.StatusBadGateway, apperrors.ErrCodeAPI},
		{"plain error", fmt.Errorf("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}
