package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/repository"
	"github.com/syncwire/syncwire/pkg/security"
)

const conflictColumns = `id, entity_type, entity_id, local_version, remote_version,
	local_data, remote_data, detected_at, resolved, resolved_at`

type conflictRepository struct {
	BaseRepository
	codec codec
}

func NewConflictRepository(base BaseRepository, enc security.Encryptor) repository.ConflictRepository {
	return &conflictRepository{BaseRepository: base, codec: codec{enc: enc}}
}

func (r *conflictRepository) CreateTx(tx *sqlx.Tx, record *model.ConflictRecord) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}

	localData, err := r.codec.seal(record.LocalData)
	if err != nil {
		return err
	}
	remoteData, err := r.codec.seal(record.RemoteData)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO conflict_records (
			id, entity_type, entity_id, local_version, remote_version,
			local_data, remote_data, detected_at, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`
	_, err = tx.Exec(query,
		record.ID,
		record.EntityType,
		record.EntityID,
		record.LocalVersion,
		record.RemoteVersion,
		localData,
		remoteData,
		record.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conflict record: %w", err)
	}
	return nil
}

func (r *conflictRepository) List(ctx context.Context, unresolvedOnly bool, limit int) ([]*model.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at ASC LIMIT ?`

	var recs []*model.ConflictRecord
	if err := r.db.SelectContext(ctx, &recs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list conflict records: %w", err)
	}

	for _, rec := range recs {
		localData, err := r.codec.open(rec.LocalData)
		if err != nil {
			return nil, err
		}
		remoteData, err := r.codec.open(rec.RemoteData)
		if err != nil {
			return nil, err
		}
		rec.LocalData = localData
		rec.RemoteData = remoteData
	}
	return recs, nil
}

func (r *conflictRepository) Resolve(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE conflict_records SET resolved = 1, resolved_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *conflictRepository) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM conflict_records WHERE resolved = 1 AND resolved_at < ?`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete resolved conflicts: %w", err)
	}
	return result.RowsAffected()
}
