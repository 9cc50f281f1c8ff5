package model

import (
	"encoding/json"
	"time"
)

// QueuedSendOperation is one outbound message waiting in the outbox.
type QueuedSendOperation struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"sessionId"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload"`
	Options       json.RawMessage `json:"options,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	AttemptCount  int             `json:"attemptCount"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	LastError     *string         `json:"lastError,omitempty"`
}

// Clone returns a copy that is safe to hand out of the outbox lock.
func (op *QueuedSendOperation) Clone() *QueuedSendOperation {
	c := *op
	if op.LastAttemptAt != nil {
		t := *op.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if op.LastError != nil {
		s := *op.LastError
		c.LastError = &s
	}
	return &c
}
