package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/syncwire/syncwire/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Change sources for store notifications.
const (
	ChangeSourceLocal  = "local"
	ChangeSourceRemote = "remote"
)

// All repository interfaces in one file
type (
	// OutboxRepository persists the durable mutation queue. Guarded
	// updates return false when the status precondition does not hold,
	// so callers can distinguish a missing row from an illegal
	// transition.
	OutboxRepository interface {
		Create(ctx context.Context, entry *model.OutboxEntry) error
		CreateTx(tx *sqlx.Tx, entry *model.OutboxEntry) error
		Get(ctx context.Context, id uuid.UUID) (*model.OutboxEntry, error)
		ListPending(ctx context.Context, entityType string, limit int) ([]*model.OutboxEntry, error)
		CountPending(ctx context.Context) (int, error)
		HasUnsentTx(tx *sqlx.Tx, entityType, entityID string) (bool, error)
		MarkSentTx(tx *sqlx.Tx, id uuid.UUID, sentAt time.Time) (bool, error)
		MarkError(ctx context.Context, id uuid.UUID, message string, code *string, nextAttemptAt *time.Time) (bool, error)
		Requeue(ctx context.Context, id uuid.UUID) (bool, error)
		RequeueDue(ctx context.Context, now time.Time, maxAttempts int) (int64, error)
		DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
	}

	// CheckpointRepository tracks pull progress per scope.
	CheckpointRepository interface {
		Get(ctx context.Context, scope string) (*model.SyncCheckpoint, error)
		List(ctx context.Context) ([]*model.SyncCheckpoint, error)
		MarkSyncing(ctx context.Context, scope string, at time.Time) error
		MarkFailed(ctx context.Context, scope string, at time.Time, message string) error
		AdvanceTx(tx *sqlx.Tx, scope, cursor string, at time.Time) error
	}

	// EntityRepository stores the opaque domain records.
	EntityRepository interface {
		Get(ctx context.Context, entityType, entityID string) (*model.EntityRecord, error)
		GetByRemoteID(ctx context.Context, entityType, remoteID string) (*model.EntityRecord, error)
		GetByRemoteIDTx(tx *sqlx.Tx, entityType, remoteID string) (*model.EntityRecord, error)
		Upsert(ctx context.Context, record *model.EntityRecord) error
		UpsertTx(tx *sqlx.Tx, record *model.EntityRecord) error
		ApplyRemoteMetadataTx(tx *sqlx.Tx, entityType, entityID string, meta model.RemoteMetadata) error
		List(ctx context.Context, entityType string, includeDeleted bool, limit int) ([]*model.EntityRecord, error)
	}

	// ConflictRepository keeps both sides of flagged merge conflicts.
	ConflictRepository interface {
		CreateTx(tx *sqlx.Tx, record *model.ConflictRecord) error
		List(ctx context.Context, unresolvedOnly bool, limit int) ([]*model.ConflictRecord, error)
		Resolve(ctx context.Context, id uuid.UUID) error
		DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	}
)

// Store is the Local Store: the single owner of all persisted sync
// state. Components reach rows only through its repositories, and
// multi-row mutations run inside WithTx so they commit or roll back
// together. PublishChange emits the committed-mutation notification
// observers subscribe to.
type Store interface {
	Outbox() OutboxRepository
	Checkpoints() CheckpointRepository
	Entities() EntityRepository
	Conflicts() ConflictRepository
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
	PublishChange(ctx context.Context, entityType, entityID, source string)
	Close() error
}
