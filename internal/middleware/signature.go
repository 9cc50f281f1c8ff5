package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/AndyTargino/vex-client-sdk/internal/audit"
	"github.com/AndyTargino/vex-client-sdk/internal/util"
)

const SignatureHeader = "X-Vex-Signature"

// WebhookSignatureMiddleware checks the HMAC-SHA256 of inbound callbacks.
// Without a secret every request passes.
type WebhookSignatureMiddleware struct {
	secret string
}

func NewWebhookSignatureMiddleware(secret string) *WebhookSignatureMiddleware {
	return &WebhookSignatureMiddleware{secret: secret}
}

func (m *WebhookSignatureMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			log.Warn().Msg("webhook signature middleware: missing signature header")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing signature",
			})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Msg("webhook signature middleware: failed to read body")
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "Failed to read request body",
			})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !util.VerifySignature(m.secret, body, signature) {
			log.Warn().Msg("webhook signature middleware: invalid signature")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventSignatureReject})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid signature",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
