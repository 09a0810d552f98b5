package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/repository"
	"github.com/syncwire/syncwire/pkg/security"
)

const outboxColumns = `id, entity_type, entity_id, action, payload, status, last_error,
	last_error_code, attempts, next_attempt_at, created_at, sent_at, updated_at`

type outboxRepository struct {
	BaseRepository
	codec codec
}

func NewOutboxRepository(base BaseRepository, enc security.Encryptor) repository.OutboxRepository {
	return &outboxRepository{BaseRepository: base, codec: codec{enc: enc}}
}

func (r *outboxRepository) Create(ctx context.Context, entry *model.OutboxEntry) error {
	query, args, err := r.insertArgs(entry)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create outbox entry: %w", err)
	}
	return nil
}

func (r *outboxRepository) CreateTx(tx *sqlx.Tx, entry *model.OutboxEntry) error {
	query, args, err := r.insertArgs(entry)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to create outbox entry: %w", err)
	}
	return nil
}

func (r *outboxRepository) insertArgs(entry *model.OutboxEntry) (string, []interface{}, error) {
	if entry == nil {
		return "", nil, fmt.Errorf("entry cannot be nil")
	}
	if entry.Payload == nil {
		return "", nil, fmt.Errorf("entry payload cannot be nil")
	}

	payload, err := r.codec.seal(entry.Payload)
	if err != nil {
		return "", nil, err
	}

	query := `
		INSERT INTO outbox_entries (
			id, entity_type, entity_id, action, payload, status,
			attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	args := []interface{}{
		entry.ID,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		payload,
		entry.Status,
		entry.Attempts,
		entry.CreatedAt,
		entry.UpdatedAt,
	}
	return query, args, nil
}

func (r *outboxRepository) Get(ctx context.Context, id uuid.UUID) (*model.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_entries WHERE id = ?`

	var entry model.OutboxEntry
	err := r.db.GetContext(ctx, &entry, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox entry: %w", err)
	}

	if entry.Payload, err = r.codec.open(entry.Payload); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *outboxRepository) ListPending(ctx context.Context, entityType string, limit int) ([]*model.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_entries WHERE status = ?`
	args := []interface{}{model.OutboxStatusPending}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	var entries []*model.OutboxEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}

	for _, entry := range entries {
		payload, err := r.codec.open(entry.Payload)
		if err != nil {
			return nil, err
		}
		entry.Payload = payload
	}
	return entries, nil
}

func (r *outboxRepository) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM outbox_entries WHERE status = ?`, model.OutboxStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return count, nil
}

func (r *outboxRepository) HasUnsentTx(tx *sqlx.Tx, entityType, entityID string) (bool, error) {
	var count int
	err := tx.Get(&count,
		`SELECT COUNT(*) FROM outbox_entries WHERE entity_type = ? AND entity_id = ? AND status != ?`,
		entityType, entityID, model.OutboxStatusSent)
	if err != nil {
		return false, fmt.Errorf("failed to check unsent entries: %w", err)
	}
	return count > 0, nil
}

func (r *outboxRepository) MarkSentTx(tx *sqlx.Tx, id uuid.UUID, sentAt time.Time) (bool, error) {
	query := `
		UPDATE outbox_entries
		SET status = ?, sent_at = ?, last_error = NULL, last_error_code = NULL,
			next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := tx.Exec(query, model.OutboxStatusSent, sentAt, sentAt, id, model.OutboxStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry sent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *outboxRepository) MarkError(ctx context.Context, id uuid.UUID, message string, code *string, nextAttemptAt *time.Time) (bool, error) {
	query := `
		UPDATE outbox_entries
		SET status = ?, last_error = ?, last_error_code = ?,
			attempts = attempts + 1, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status != ?
	`
	result, err := r.db.ExecContext(ctx, query,
		model.OutboxStatusError, message, code, nextAttemptAt, time.Now().UTC(), id, model.OutboxStatusSent)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry errored: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *outboxRepository) Requeue(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox_entries
		SET status = ?, next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		model.OutboxStatusPending, time.Now().UTC(), id, model.OutboxStatusError)
	if err != nil {
		return false, fmt.Errorf("failed to requeue entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *outboxRepository) RequeueDue(ctx context.Context, now time.Time, maxAttempts int) (int64, error) {
	query := `
		UPDATE outbox_entries
		SET status = ?, next_attempt_at = NULL, updated_at = ?
		WHERE status = ? AND next_attempt_at IS NOT NULL
			AND next_attempt_at <= ? AND attempts < ?
	`
	result, err := r.db.ExecContext(ctx, query,
		model.OutboxStatusPending, now, model.OutboxStatusError, now, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue due entries: %w", err)
	}
	return result.RowsAffected()
}

func (r *outboxRepository) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM outbox_entries WHERE status = ? AND sent_at < ?`
	result, err := r.db.ExecContext(ctx, query, model.OutboxStatusSent, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sent entries: %w", err)
	}
	return result.RowsAffected()
}
