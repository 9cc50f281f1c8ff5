package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/AndyTargino/vex-client-sdk/internal/audit"
	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
	"github.com/AndyTargino/vex-client-sdk/internal/service"
)

// OpenTimeout bounds how long session creation waits for the backend.
const OpenTimeout = 30 * time.Second

type SessionHandler struct {
	manager *service.SessionManager
	events  *EventsHandler
}

func NewSessionHandler(manager *service.SessionManager, events *EventsHandler) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		events:  events,
	}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateSession)
	r.Get("/", h.ListSessions)
	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.CloseSession)
		r.Post("/messages", h.SendMessage)
		r.Post("/reconnect", h.Reconnect)
		r.Post("/logout", h.Logout)
		if h.events != nil {
			r.Get("/events", h.events.ServeHTTP)
		}
	})

	return r
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// POST /v1/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), OpenTimeout)
	defer cancel()

	orch, err := h.manager.Open(ctx, req.SessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", req.SessionID).Msg("failed to open session")
		writeError(w, err)
		return
	}

	view, err := h.manager.View(orch.SessionID())
	if err != nil {
		writeError(w, err)
		return
	}
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventSessionOpen,
		SessionID: view.ID,
		Details:   map[string]any{"resumed": req.SessionID != "", "mode": string(view.Mode)},
	})
	writeJSON(w, http.StatusCreated, view)
}

// GET /v1/sessions?limit=&offset=
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	sessions := h.manager.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": paginate(sessions, p),
		"total":    len(sessions),
		"limit":    p.Limit,
		"offset":   p.Offset,
		"outbox":   h.manager.Outbox().Stats(),
	})
}

// GET /v1/sessions/{sessionID}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.manager.View(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DELETE /v1/sessions/{sessionID}
func (h *SessionHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.manager.Close(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	audit.LogFromRequest(r, audit.Event{Type: audit.EventSessionClose, SessionID: sessionID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type sendMessageRequest struct {
	To      string          `json:"to"`
	Content json.RawMessage `json:"content"`
	Options json.RawMessage `json:"options,omitempty"`
	// Queue hands the message to the outbox instead of sending it now.
	Queue bool `json:"queue"`
}

// POST /v1/sessions/{sessionID}/messages
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if req.To == "" {
		writeError(w, apperrors.MissingRequired("to"))
		return
	}
	if len(req.Content) == 0 || string(req.Content) == "null" {
		writeError(w, apperrors.MissingRequired("content"))
		return
	}

	if req.Queue {
		op, err := h.manager.Enqueue(sessionID, req.To, req.Content, req.Options)
		if err != nil {
			writeError(w, err)
			return
		}
		audit.LogFromRequest(r, audit.Event{
			Type:      audit.EventMessageQueued,
			SessionID: sessionID,
			Details:   map[string]any{"operationId": op.ID},
		})
		writeJSON(w, http.StatusAccepted, op)
		return
	}

	result, err := h.manager.Send(r.Context(), sessionID, req.To, req.Content, req.Options)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to send message")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}

// POST /v1/sessions/{sessionID}/reconnect
func (h *SessionHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.manager.Reconnect(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	audit.LogFromRequest(r, audit.Event{Type: audit.EventSessionReconn, SessionID: sessionID})
	view, err := h.manager.View(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /v1/sessions/{sessionID}/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.manager.Logout(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	audit.LogFromRequest(r, audit.Event{Type: audit.EventSessionLogout, SessionID: sessionID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
