package middleware

import (
	"net/http"

	"github.com/AndyTargino/vex-client-sdk/internal/httputil"
)

type contextKey string

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}
