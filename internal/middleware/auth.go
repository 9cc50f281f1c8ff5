package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/AndyTargino/vex-client-sdk/internal/audit"
	"github.com/AndyTargino/vex-client-sdk/internal/util"
)

// AuthMiddleware guards the daemon's API with a single bearer token whose
// bcrypt hash is configured. An empty hash disables the check.
type AuthMiddleware struct {
	tokenHash string
	failures  *failureLimiter
}

func NewAuthMiddleware(tokenHash string) *AuthMiddleware {
	return &AuthMiddleware{
		tokenHash: tokenHash,
		failures:  newFailureLimiter(),
	}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.tokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		ip := audit.ClientIP(r)
		if m.failures.locked(ip) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Too many failed attempts. Please try again later.",
			})
			return
		}

		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		if !util.CheckPasswordHash(token, m.tokenHash) {
			log.Warn().
				Str("token", util.MaskToken(token)).
				Msg("auth middleware: invalid token attempt")
			eventType := audit.EventAuthFailure
			if m.failures.fail(ip) {
				eventType = audit.EventAuthLockout
			}
			audit.LogFromRequest(r, audit.Event{Type: eventType})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		m.failures.reset(ip)
		next.ServeHTTP(w, r)
	})
}

// extractToken reads the bearer header, or the token query parameter for
// EventSource clients that cannot set headers.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
