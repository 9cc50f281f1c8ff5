package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
)

// WebhookPath is where the backend delivers callbacks in webhook mode.
const WebhookPath = "/api/v1/vex/webhooks"

// EventInjector is the entry point of an orchestrator running in webhook
// mode; *session.Orchestrator implements it.
type EventInjector interface {
	InjectEvent(name string, raw json.RawMessage) error
}

// SessionLookup locates the orchestrator owning a session.
type SessionLookup func(sessionID string) (EventInjector, bool)

type WebhookRequest struct {
	Event       string          `json:"event"`
	SessionUUID string          `json:"sessionUUID"`
	Data        json.RawMessage `json:"data"`
	Timestamp   string          `json:"timestamp"`
}

type WebhookHandler struct {
	lookup SessionLookup
}

func NewWebhookHandler(lookup SessionLookup) *WebhookHandler {
	return &WebhookHandler{lookup: lookup}
}

// ServeHTTP acknowledges every well-formed callback, including ones for
// sessions this process does not own, so the sender does not retry them.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid vex webhook request")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	if req.Event == "" || req.SessionUUID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "event and sessionUUID are required"})
		return
	}

	orch, ok := h.lookup(req.SessionUUID)
	if !ok {
		log.Debug().
			Str("sessionId", req.SessionUUID).
			Str("event", req.Event).
			Msg("webhook for unknown session ignored")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "handled": false})
		return
	}

	if err := orch.InjectEvent(req.Event, req.Data); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeSessionDestroyed) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "handled": false})
			return
		}
		log.Error().Err(err).
			Str("sessionId", req.SessionUUID).
			Str("event", req.Event).
			Msg("failed to inject webhook event")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	log.Debug().
		Str("sessionId", req.SessionUUID).
		Str("event", req.Event).
		Str("timestamp", req.Timestamp).
		Msg("webhook event injected")

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "handled": true})
}
