package audit

import (
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventAuthFailure     EventType = "auth_failure"
	EventAuthLockout     EventType = "auth_lockout"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
	EventSignatureReject EventType = "webhook_signature_rejected"
	EventSessionOpen     EventType = "session_open"
	EventSessionClose    EventType = "session_close"
	EventSessionLogout   EventType = "session_logout"
	EventSessionReconn   EventType = "session_reconnect"
	EventMessageQueued   EventType = "message_queued"
)

// Event is one entry of the audit trail. SessionID is empty for events
// not tied to a session.
type Event struct {
	Type      EventType
	SessionID string
	IP        string
	UserAgent string
	Details   map[string]any
}

// Log writes the event through the global logger tagged audit=vexd so it
// can be routed separately.
func Log(event Event) {
	logger := log.With().
		Str("audit", "vexd").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	logEvent := logger.Info()
	if event.SessionID != "" {
		logEvent = logEvent.Str("sessionId", event.SessionID)
	}
	if event.IP != "" {
		logEvent = logEvent.Str("ip", event.IP)
	}
	if event.UserAgent != "" {
		logEvent = logEvent.Str("user_agent", event.UserAgent)
	}
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value any) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

// LogFromRequest fills the caller's address and user agent from r.
func LogFromRequest(r *http.Request, event Event) {
	event.IP = ClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(event)
}

// ClientIP is the request's remote host. chi's RealIP has already applied
// proxy headers by the time handlers run.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
