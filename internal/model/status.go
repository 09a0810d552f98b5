package model

import (
	"time"
)

// SyncStatus is the read-only projection observers poll. It never
// exposes raw errors, only the last recorded message.
type SyncStatus struct {
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	PendingCount int        `json:"pending_count"`
	IsSyncing    bool       `json:"is_syncing"`
	LastError    string     `json:"last_error,omitempty"`
}

// Cycle skip reasons.
const (
	SkipReasonOffline = "offline"
	SkipReasonBusy    = "cycle in progress"
)

// CycleResult summarizes one orchestrator cycle.
type CycleResult struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Skipped        bool          `json:"skipped"`
	SkipReason     string        `json:"skip_reason,omitempty"`
	Requeued       int           `json:"requeued"`
	Sent           int           `json:"sent"`
	SendFailures   int           `json:"send_failures"`
	SendsSkipped   int           `json:"sends_skipped"`
	ScopesSynced   int           `json:"scopes_synced"`
	ScopesFailed   int           `json:"scopes_failed"`
	RecordsApplied int           `json:"records_applied"`
	PushError      string        `json:"push_error,omitempty"`
	PullError      string        `json:"pull_error,omitempty"`
}
