package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/repository"
	"github.com/syncwire/syncwire/pkg/security"
)

const entityColumns = `entity_type, entity_id, remote_id, version, data, deleted, updated_at, server_updated_at`

type entityRepository struct {
	BaseRepository
	codec codec
}

func NewEntityRepository(base BaseRepository, enc security.Encryptor) repository.EntityRepository {
	return &entityRepository{BaseRepository: base, codec: codec{enc: enc}}
}

func (r *entityRepository) Get(ctx context.Context, entityType, entityID string) (*model.EntityRecord, error) {
	query := `SELECT ` + entityColumns + ` FROM entity_records WHERE entity_type = ? AND entity_id = ?`
	return r.getOne(ctx, query, entityType, entityID)
}

func (r *entityRepository) GetByRemoteID(ctx context.Context, entityType, remoteID string) (*model.EntityRecord, error) {
	query := `SELECT ` + entityColumns + ` FROM entity_records WHERE entity_type = ? AND remote_id = ?`
	return r.getOne(ctx, query, entityType, remoteID)
}

// GetByRemoteIDTx is the in-transaction read used while merging pulled
// changes. The pool holds a single connection, so reads during an open
// transaction must go through it.
func (r *entityRepository) GetByRemoteIDTx(tx *sqlx.Tx, entityType, remoteID string) (*model.EntityRecord, error) {
	query := `SELECT ` + entityColumns + ` FROM entity_records WHERE entity_type = ? AND remote_id = ?`

	var rec model.EntityRecord
	err := tx.Get(&rec, query, entityType, remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity record: %w", err)
	}

	if rec.Data, err = r.codec.open(rec.Data); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *entityRepository) getOne(ctx context.Context, query string, args ...interface{}) (*model.EntityRecord, error) {
	var rec model.EntityRecord
	err := r.db.GetContext(ctx, &rec, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity record: %w", err)
	}

	if rec.Data, err = r.codec.open(rec.Data); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *entityRepository) Upsert(ctx context.Context, record *model.EntityRecord) error {
	query, args, err := r.upsertArgs(record)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert entity record: %w", err)
	}
	return nil
}

func (r *entityRepository) UpsertTx(tx *sqlx.Tx, record *model.EntityRecord) error {
	query, args, err := r.upsertArgs(record)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to upsert entity record: %w", err)
	}
	return nil
}

func (r *entityRepository) upsertArgs(record *model.EntityRecord) (string, []interface{}, error) {
	if record == nil {
		return "", nil, fmt.Errorf("record cannot be nil")
	}

	data, err := r.codec.seal(record.Data)
	if err != nil {
		return "", nil, err
	}

	query := `
		INSERT INTO entity_records (
			entity_type, entity_id, remote_id, version, data, deleted,
			updated_at, server_updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			version = excluded.version,
			data = excluded.data,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at,
			server_updated_at = excluded.server_updated_at
	`
	args := []interface{}{
		record.EntityType,
		record.EntityID,
		record.RemoteID,
		record.Version,
		data,
		record.Deleted,
		record.UpdatedAt,
		record.ServerUpdatedAt,
	}
	return query, args, nil
}

// ApplyRemoteMetadataTx stamps the server's confirmation onto the local
// record. A record deleted locally between send and confirm simply has
// no row to stamp, which is not an error.
func (r *entityRepository) ApplyRemoteMetadataTx(tx *sqlx.Tx, entityType, entityID string, meta model.RemoteMetadata) error {
	query := `
		UPDATE entity_records
		SET remote_id = ?, version = ?, server_updated_at = ?
		WHERE entity_type = ? AND entity_id = ?
	`
	if _, err := tx.Exec(query, meta.RemoteID, meta.Version, meta.ServerTime, entityType, entityID); err != nil {
		return fmt.Errorf("failed to apply remote metadata: %w", err)
	}
	return nil
}

func (r *entityRepository) List(ctx context.Context, entityType string, includeDeleted bool, limit int) ([]*model.EntityRecord, error) {
	query := `SELECT ` + entityColumns + ` FROM entity_records WHERE entity_type = ?`
	args := []interface{}{entityType}
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY entity_id ASC LIMIT ?`
	args = append(args, limit)

	var recs []*model.EntityRecord
	if err := r.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list entity records: %w", err)
	}

	for _, rec := range recs {
		data, err := r.codec.open(rec.Data)
		if err != nil {
			return nil, err
		}
		rec.Data = data
	}
	return recs, nil
}
