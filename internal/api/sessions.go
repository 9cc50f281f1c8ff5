package api

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/AndyTargino/vex-client-sdk/internal/model"
)

type InitSessionRequest struct {
	SessionID  string `json:"sessionId,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// SessionState is the backend's view of a session.
type SessionState struct {
	SessionID string              `json:"sessionId"`
	Status    model.SessionStatus `json:"status"`
	QRCode    string              `json:"qrcode,omitempty"`
	Phone     string              `json:"phone,omitempty"`
}

type PolledEvent struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp any             `json:"timestamp"`
}

// Time converts the event timestamp, sent as a number or decimal string of
// milliseconds, falling back to now.
func (e PolledEvent) Time() time.Time {
	var ms int64
	switch t := e.Timestamp.(type) {
	case float64:
		ms = int64(t)
	case string:
		ms, _ = strconv.ParseInt(t, 10, 64)
	}
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

type pendingEventsResponse struct {
	Events []PolledEvent `json:"events"`
}

type SendMessageRequest struct {
	To      string          `json:"to"`
	Content json.RawMessage `json:"content"`
	Options json.RawMessage `json:"options,omitempty"`
}

func sessionPath(sessionID string, suffix string) string {
	return "/sessions/" + url.PathEscape(sessionID) + suffix
}

// InitSession creates a new backend session, or resumes req.SessionID.
func (c *Client) InitSession(ctx context.Context, req InitSessionRequest) (*SessionState, error) {
	var state SessionState
	if err := c.Post(ctx, "/sessions/init", req, &state); err != nil {
		return nil, err
	}
	if state.SessionID == "" {
		state.SessionID = req.SessionID
	}
	return &state, nil
}

func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*SessionState, error) {
	var state SessionState
	if err := c.Get(ctx, sessionPath(sessionID, "/status"), &state); err != nil {
		return nil, err
	}
	if state.SessionID == "" {
		state.SessionID = sessionID
	}
	return &state, nil
}

// PendingEvents fetches the batch of events queued for sessionID since the
// previous call.
func (c *Client) PendingEvents(ctx context.Context, sessionID string) ([]PolledEvent, error) {
	var resp pendingEventsResponse
	if err := c.Get(ctx, sessionPath(sessionID, "/events"), &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) SendMessage(ctx context.Context, sessionID string, req SendMessageRequest) (json.RawMessage, error) {
	var resp json.RawMessage
	if err := c.Post(ctx, sessionPath(sessionID, "/messages"), req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Logout(ctx context.Context, sessionID string) error {
	return c.Delete(ctx, sessionPath(sessionID, ""), nil)
}
