package model

import (
	"encoding/json"
	"time"
)

// EntityRecord is an opaque domain row in the local store. The sync
// core never inspects Data; its schema belongs to the owning entity
// type. RemoteID stays nil until the server confirms the record, and
// deletion is a tombstone so it can still replicate.
type EntityRecord struct {
	EntityType      string          `db:"entity_type" json:"entity_type"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	RemoteID        *string         `db:"remote_id" json:"remote_id,omitempty"`
	Version         int64           `db:"version" json:"version"`
	Data            json.RawMessage `db:"data" json:"data"`
	Deleted         bool            `db:"deleted" json:"deleted"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	ServerUpdatedAt *time.Time      `db:"server_updated_at" json:"server_updated_at,omitempty"`
}

// Confirmed reports whether the record has ever been acknowledged by
// the server.
func (e *EntityRecord) Confirmed() bool {
	return e.RemoteID != nil && *e.RemoteID != ""
}
