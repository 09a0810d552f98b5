package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "PENDING"
	OutboxStatusSent    OutboxStatus = "SENT"
	OutboxStatusError   OutboxStatus = "ERROR"
)

type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is a known mutation action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// OutboxEntry is one pending local mutation awaiting remote replication.
// Status only moves PENDING→SENT, PENDING→ERROR and ERROR→PENDING on
// requeue; SENT is terminal. IDs are time-ordered (UUIDv7) so the
// creation-order tie-break stays stable when timestamps collide.
type OutboxEntry struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	Action        Action          `db:"action" json:"action"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        OutboxStatus    `db:"status" json:"status"`
	LastError     *string         `db:"last_error" json:"last_error,omitempty"`
	LastErrorCode *string         `db:"last_error_code" json:"last_error_code,omitempty"`
	Attempts      int             `db:"attempts" json:"attempts"`
	NextAttemptAt *time.Time      `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	SentAt        *time.Time      `db:"sent_at" json:"sent_at,omitempty"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// RemoteMetadata is the server's confirmation for a sent entry, applied
// to the local entity record when the entry is marked sent.
type RemoteMetadata struct {
	RemoteID   string    `json:"remote_id"`
	Version    int64     `json:"version"`
	ServerTime time.Time `json:"server_time"`
}
