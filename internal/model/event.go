package model

import (
	"encoding/json"
	"time"
)

// Event names understood by the orchestrator. Anything else travels as Opaque.
const (
	EventConnectionUpdate = "connection.update"
	EventQRCode           = "qrcode"
	EventMessagesUpsert   = "messages.upsert"
	EventSessionInit      = "session.init"
)

// Event is the normalized shape delivered to consumers regardless of the
// transport that produced it.
type Event struct {
	Name       string    `json:"event"`
	SessionID  string    `json:"sessionId,omitempty"`
	Data       Payload   `json:"data"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Payload is implemented by the closed set of event payload variants.
type Payload interface {
	isPayload()
}

type ConnectionUpdate struct {
	Connection SessionStatus  `json:"connection,omitempty"`
	QR         string         `json:"qr,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Identity   string         `json:"identity,omitempty"`
	Terminal   bool           `json:"terminal,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

type QRCode struct {
	Code string `json:"qr"`
}

type MessagesUpsert struct {
	Type     string           `json:"type,omitempty"`
	Messages []map[string]any `json:"messages"`
}

type SessionInit struct {
	SessionID string        `json:"sessionId"`
	Status    SessionStatus `json:"status"`
	Mode      TransportMode `json:"mode"`
}

// Opaque carries events with no dedicated variant, or payloads that could
// not be normalized.
type Opaque struct {
	Value any
	Raw   json.RawMessage
}

func (o Opaque) MarshalJSON() ([]byte, error) {
	if len(o.Raw) > 0 {
		return o.Raw, nil
	}
	return json.Marshal(o.Value)
}

func (*ConnectionUpdate) isPayload() {}
func (*QRCode) isPayload()           {}
func (*MessagesUpsert) isPayload()   {}
func (*SessionInit) isPayload()      {}
func (Opaque) isPayload()            {}
