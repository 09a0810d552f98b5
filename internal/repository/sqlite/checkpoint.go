package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/repository"
)

const checkpointColumns = `scope, cursor, state, last_synced_at, last_attempt_at, last_error, updated_at`

type checkpointRepository struct {
	BaseRepository
}

func NewCheckpointRepository(base BaseRepository) repository.CheckpointRepository {
	return &checkpointRepository{BaseRepository: base}
}

func (r *checkpointRepository) Get(ctx context.Context, scope string) (*model.SyncCheckpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM sync_checkpoints WHERE scope = ?`

	var cp model.SyncCheckpoint
	err := r.db.GetContext(ctx, &cp, query, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &cp, nil
}

func (r *checkpointRepository) List(ctx context.Context) ([]*model.SyncCheckpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM sync_checkpoints ORDER BY scope ASC`

	var cps []*model.SyncCheckpoint
	if err := r.db.SelectContext(ctx, &cps, query); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return cps, nil
}

// MarkSyncing upserts the scope row into the transient SYNCING state.
// A row left in SYNCING by a crash is simply reclaimed here.
func (r *checkpointRepository) MarkSyncing(ctx context.Context, scope string, at time.Time) error {
	query := `
		INSERT INTO sync_checkpoints (scope, cursor, state, last_attempt_at, updated_at)
		VALUES (?, '', ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			state = excluded.state,
			last_attempt_at = excluded.last_attempt_at,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, scope, model.ScopeStateSyncing, at, at); err != nil {
		return fmt.Errorf("failed to mark scope syncing: %w", err)
	}
	return nil
}

func (r *checkpointRepository) MarkFailed(ctx context.Context, scope string, at time.Time, message string) error {
	query := `
		UPDATE sync_checkpoints
		SET state = ?, last_error = ?, updated_at = ?
		WHERE scope = ?
	`
	if _, err := r.db.ExecContext(ctx, query, model.ScopeStateSyncFailed, message, at, scope); err != nil {
		return fmt.Errorf("failed to mark scope failed: %w", err)
	}
	return nil
}

// AdvanceTx moves the cursor forward inside the apply transaction, so
// records and checkpoint commit together or not at all.
func (r *checkpointRepository) AdvanceTx(tx *sqlx.Tx, scope, cursor string, at time.Time) error {
	query := `
		UPDATE sync_checkpoints
		SET cursor = ?, state = ?, last_synced_at = ?, last_error = NULL, updated_at = ?
		WHERE scope = ?
	`
	if _, err := tx.Exec(query, cursor, model.ScopeStateSynced, at, at, scope); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}
