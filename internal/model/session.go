package model

import "time"

type Session struct {
	ID                string        `db:"id" json:"sessionId"`
	Status            SessionStatus `db:"status" json:"status"`
	LastKnownIdentity *string       `db:"identity" json:"lastKnownIdentity,omitempty"`
	Mode              TransportMode `db:"mode" json:"mode"`
	CreatedAt         time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updatedAt"`
}

type UpsertSessionParams struct {
	ID       string
	Status   SessionStatus
	Identity *string
	Mode     TransportMode
}
