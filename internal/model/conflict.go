package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConflictPolicy selects how a version conflict between a local record
// and an incoming remote change is resolved. Exactly one policy is
// active per engine.
type ConflictPolicy string

const (
	// ConflictLastWriteWins keeps whichever side carries the higher
	// version, falling back to the newer server timestamp.
	ConflictLastWriteWins ConflictPolicy = "lww"
	// ConflictServerWins always takes the remote change.
	ConflictServerWins ConflictPolicy = "server_wins"
	// ConflictClientWins always keeps the local record.
	ConflictClientWins ConflictPolicy = "client_wins"
	// ConflictManual writes a ConflictRecord and leaves the local
	// record untouched until someone resolves it.
	ConflictManual ConflictPolicy = "manual"
)

// Valid reports whether p is a known policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case ConflictLastWriteWins, ConflictServerWins, ConflictClientWins, ConflictManual:
		return true
	}
	return false
}

// ConflictRecord preserves both sides of a merge conflict for manual
// resolution.
type ConflictRecord struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	LocalVersion  int64           `db:"local_version" json:"local_version"`
	RemoteVersion int64           `db:"remote_version" json:"remote_version"`
	LocalData     json.RawMessage `db:"local_data" json:"local_data"`
	RemoteData    json.RawMessage `db:"remote_data" json:"remote_data"`
	DetectedAt    time.Time       `db:"detected_at" json:"detected_at"`
	Resolved      bool            `db:"resolved" json:"resolved"`
	ResolvedAt    *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
}
