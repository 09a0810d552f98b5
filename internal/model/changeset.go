package model

import (
	"encoding/json"
	"time"
)

// ChangeRecord is one remote change inside a ChangeSet. Records are
// keyed by their remote identifier; Deleted marks a tombstone.
type ChangeRecord struct {
	EntityType      string          `json:"entity_type"`
	RemoteID        string          `json:"remote_id"`
	Version         int64           `json:"version"`
	Deleted         bool            `json:"deleted"`
	Data            json.RawMessage `json:"data"`
	ServerUpdatedAt time.Time       `json:"server_updated_at"`
}

// ChangeSet bundles the remote changes for one scope together with the
// cursor to advance to once every record is applied.
type ChangeSet struct {
	Scope   string         `json:"scope"`
	Since   string         `json:"since"`
	Cursor  string         `json:"cursor"`
	Records []ChangeRecord `json:"records"`
	HasMore bool           `json:"has_more"`
}

// Empty reports whether the set carries no records and no cursor movement.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Records) == 0 && CompareCursors(cs.Cursor, cs.Since) <= 0
}
