package model

import (
	"strings"
	"time"
)

type ScopeState string

const (
	ScopeStateNeverSynced ScopeState = "NEVER_SYNCED"
	ScopeStateSyncing     ScopeState = "SYNCING"
	ScopeStateSynced      ScopeState = "SYNCED"
	ScopeStateSyncFailed  ScopeState = "SYNC_FAILED"
)

// ScopeAll tracks pull progress across every entity type at once.
const ScopeAll = "*"

// SyncCheckpoint marks pull progress for one scope. Cursor is an opaque
// server-issued token that only moves forward, and only after a fully
// successful pull and apply.
type SyncCheckpoint struct {
	Scope         string     `db:"scope" json:"scope"`
	Cursor        string     `db:"cursor" json:"cursor"`
	State         ScopeState `db:"state" json:"state"`
	LastSyncedAt  *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	LastAttemptAt *time.Time `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	LastError     *string    `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// CompareCursors orders two cursor tokens. Cursors are decimal sequence
// strings, so a longer token is always later; the empty cursor sorts
// before everything.
func CompareCursors(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
