package model

// SessionStatus is the visible connection state of a session.
type SessionStatus string

const (
	SessionStatusConnecting SessionStatus = "connecting"
	SessionStatusQRCode     SessionStatus = "qrcode"
	SessionStatusOpen       SessionStatus = "open"
	SessionStatusClose      SessionStatus = "close"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusConnecting, SessionStatusQRCode, SessionStatusOpen, SessionStatusClose:
		return true
	}
	return false
}

// TransportMode is the event delivery channel owned by an orchestrator.
type TransportMode string

const (
	TransportModeNone    TransportMode = "none"
	TransportModeWebhook TransportMode = "webhook"
	TransportModePush    TransportMode = "push"
	TransportModePoll    TransportMode = "poll"
)

// Close reasons that carry meaning for consumers.
const (
	CloseReasonLoggedOut            = "logged_out"
	CloseReasonMaxReconnectAttempts = "max_reconnect_attempts"
	CloseReasonBackendUnreachable   = "backend_unreachable"
	CloseReasonDestroyed            = "destroyed"
)
