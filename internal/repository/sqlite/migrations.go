package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox_entries (
		id              TEXT PRIMARY KEY,
		entity_type     TEXT NOT NULL,
		entity_id       TEXT NOT NULL,
		action          TEXT NOT NULL,
		payload         BLOB NOT NULL,
		status          TEXT NOT NULL DEFAULT 'PENDING',
		last_error      TEXT,
		last_error_code TEXT,
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMP,
		created_at      TIMESTAMP NOT NULL,
		sent_at         TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox_entries(status, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_entity
		ON outbox_entries(entity_type, entity_id)`,

	`CREATE TABLE IF NOT EXISTS sync_checkpoints (
		scope           TEXT PRIMARY KEY,
		cursor          TEXT NOT NULL DEFAULT '',
		state           TEXT NOT NULL DEFAULT 'NEVER_SYNCED',
		last_synced_at  TIMESTAMP,
		last_attempt_at TIMESTAMP,
		last_error      TEXT,
		updated_at      TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS entity_records (
		entity_type       TEXT NOT NULL,
		entity_id         TEXT NOT NULL,
		remote_id         TEXT,
		version           INTEGER NOT NULL DEFAULT 0,
		data              BLOB,
		deleted           INTEGER NOT NULL DEFAULT 0,
		updated_at        TIMESTAMP NOT NULL,
		server_updated_at TIMESTAMP,
		PRIMARY KEY (entity_type, entity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_remote
		ON entity_records(entity_type, remote_id)`,

	`CREATE TABLE IF NOT EXISTS conflict_records (
		id             TEXT PRIMARY KEY,
		entity_type    TEXT NOT NULL,
		entity_id      TEXT NOT NULL,
		local_version  INTEGER NOT NULL,
		remote_version INTEGER NOT NULL,
		local_data     BLOB,
		remote_data    BLOB,
		detected_at    TIMESTAMP NOT NULL,
		resolved       INTEGER NOT NULL DEFAULT 0,
		resolved_at    TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conflict_open
		ON conflict_records(resolved, detected_at)`,
}

func ensureSchema(db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
