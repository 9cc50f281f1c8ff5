package session

import (
	"time"

	"github.com/AndyTargino/vex-client-sdk/internal/model"
)

// edges lists the allowed status changes. qrcode -> qrcode is a refreshed
// pairing code.
var edges = map[model.SessionStatus][]model.SessionStatus{
	model.SessionStatusConnecting: {model.SessionStatusQRCode, model.SessionStatusOpen, model.SessionStatusClose},
	model.SessionStatusQRCode:     {model.SessionStatusQRCode, model.SessionStatusConnecting, model.SessionStatusOpen, model.SessionStatusClose},
	model.SessionStatusOpen:       {model.SessionStatusConnecting, model.SessionStatusClose},
	model.SessionStatusClose:      {model.SessionStatusConnecting},
}

func CanTransition(from, to model.SessionStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Transition struct {
	From     model.SessionStatus
	To       model.SessionStatus
	QR       string
	Reason   string
	Identity string
}

// Machine holds the visible state of one session and nothing else. It does
// no I/O; the orchestrator feeds it inputs and publishes the transitions it
// returns.
type Machine struct {
	sessionID string
	status    model.SessionStatus
	qr        string
	identity  string
	createdAt time.Time
	updatedAt time.Time
}

func NewMachine(sessionID string, now time.Time) *Machine {
	return &Machine{
		sessionID: sessionID,
		status:    model.SessionStatusConnecting,
		createdAt: now,
		updatedAt: now,
	}
}

func (m *Machine) SessionID() string {
	return m.sessionID
}

func (m *Machine) Status() model.SessionStatus {
	return m.status
}

func (m *Machine) QR() string {
	return m.qr
}

func (m *Machine) Identity() string {
	return m.identity
}

// Assign records the backend-assigned id. Once set the id never changes;
// Assign reports false for a conflicting id.
func (m *Machine) Assign(id string) bool {
	if id == "" || id == m.sessionID {
		return true
	}
	if m.sessionID != "" {
		return false
	}
	m.sessionID = id
	return true
}

// Advance moves to status to. When there is no direct edge but one exists
// through connecting, both steps are taken. It returns nothing when the
// state is unchanged or unreachable.
func (m *Machine) Advance(to model.SessionStatus, qr, reason, identity string, now time.Time) []Transition {
	if identity != "" {
		m.identity = identity
	}
	if !to.Valid() {
		return nil
	}
	if to == m.status && (to != model.SessionStatusQRCode || qr == "" || qr == m.qr) {
		return nil
	}

	var out []Transition
	if !CanTransition(m.status, to) {
		if !CanTransition(m.status, model.SessionStatusConnecting) || !CanTransition(model.SessionStatusConnecting, to) {
			return nil
		}
		out = append(out, m.step(model.SessionStatusConnecting, "", reason, now))
	}
	return append(out, m.step(to, qr, reason, now))
}

func (m *Machine) step(to model.SessionStatus, qr, reason string, now time.Time) Transition {
	t := Transition{From: m.status, To: to, Reason: reason, Identity: m.identity}
	m.status = to
	if to == model.SessionStatusQRCode {
		m.qr = qr
		t.QR = qr
	} else {
		m.qr = ""
	}
	m.updatedAt = now
	return t
}

// Session returns the state as a registry record.
func (m *Machine) Session(mode model.TransportMode) model.Session {
	s := model.Session{
		ID:        m.sessionID,
		Status:    m.status,
		Mode:      mode,
		CreatedAt: m.createdAt,
		UpdatedAt: m.updatedAt,
	}
	if m.identity != "" {
		id := m.identity
		s.LastKnownIdentity = &id
	}
	return s
}
