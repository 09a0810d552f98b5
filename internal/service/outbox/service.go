// Package outbox implements the durable queue of local mutations
// awaiting delivery to the remote. Entries survive restarts and are
// removed only through explicit status transitions, so a mutation is
// never silently lost.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/syncwire/syncwire/pkg/errors"
	"github.com/syncwire/syncwire/pkg/logger"
	"github.com/syncwire/syncwire/pkg/metrics"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/repository"
)

// DefaultPendingLimit caps GetPending batches when the caller passes
// no limit.
const DefaultPendingLimit = 100

type OutboxServicer interface {
	Enqueue(ctx context.Context, entityType, entityID string, action model.Action, payload json.RawMessage) (*model.OutboxEntry, error)
	EnqueueTx(tx *sqlx.Tx, entityType, entityID string, action model.Action, payload json.RawMessage) (*model.OutboxEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*model.OutboxEntry, error)
	GetPending(ctx context.Context, entityType string, limit int) ([]*model.OutboxEntry, error)
	PendingCount(ctx context.Context) (int, error)
	MarkSent(ctx context.Context, id uuid.UUID, meta model.RemoteMetadata) error
	MarkError(ctx context.Context, id uuid.UUID, message, code string, nextAttemptAt *time.Time) error
	Requeue(ctx context.Context, id uuid.UUID) error
	RequeueDue(ctx context.Context, now time.Time, maxAttempts int) (int64, error)
	PurgeSent(ctx context.Context, cutoff time.Time) (int64, error)
}

type Service struct {
	store   repository.Store
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewService(store repository.Store, log *logger.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = logger.NewLogger(nil)
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		store:   store,
		logger:  log.WithComponent("outbox"),
		metrics: m,
	}
}

// Enqueue records a local mutation for later delivery. The entry is
// persisted as pending before Enqueue returns, so a crash after this
// point cannot lose it.
func (s *Service) Enqueue(ctx context.Context, entityType, entityID string, action model.Action, payload json.RawMessage) (*model.OutboxEntry, error) {
	entry, err := s.newEntry(entityType, entityID, action, payload)
	if err != nil {
		return nil, err
	}

	if err := s.store.Outbox().Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to enqueue entry: %w", err)
	}

	s.store.PublishChange(ctx, entityType, entityID, repository.ChangeSourceLocal)
	s.logger.WithFields(map[string]interface{}{
		"entry_id":    entry.ID,
		"entity_type": entityType,
		"entity_id":   entityID,
		"action":      action,
	}).Debug("entry enqueued")
	return entry, nil
}

// EnqueueTx is Enqueue inside a caller-owned transaction, so the
// domain write and its outbox entry commit or roll back together.
func (s *Service) EnqueueTx(tx *sqlx.Tx, entityType, entityID string, action model.Action, payload json.RawMessage) (*model.OutboxEntry, error) {
	entry, err := s.newEntry(entityType, entityID, action, payload)
	if err != nil {
		return nil, err
	}

	if err := s.store.Outbox().CreateTx(tx, entry); err != nil {
		return nil, fmt.Errorf("failed to enqueue entry: %w", err)
	}
	return entry, nil
}

func (s *Service) newEntry(entityType, entityID string, action model.Action, payload json.RawMessage) (*model.OutboxEntry, error) {
	if entityType == "" {
		return nil, apperrors.Validation("entity type is required", nil)
	}
	if entityID == "" {
		return nil, apperrors.Validation("entity id is required", nil)
	}
	if !action.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("invalid action: %s", action), nil)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, apperrors.Validation("payload is not valid JSON", nil)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to generate entry id: %w", err))
	}

	now := time.Now().UTC()
	return &model.OutboxEntry{
		ID:         id,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Payload:    payload,
		Status:     model.OutboxStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.OutboxEntry, error) {
	entry, err := s.store.Outbox().Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("outbox entry", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return entry, nil
}

// GetPending returns pending entries oldest first, capped at limit.
// Entries parked for backoff keep their position once requeued.
func (s *Service) GetPending(ctx context.Context, entityType string, limit int) ([]*model.OutboxEntry, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	entries, err := s.store.Outbox().ListPending(ctx, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	return entries, nil
}

func (s *Service) PendingCount(ctx context.Context) (int, error) {
	count, err := s.store.Outbox().CountPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return count, nil
}

// MarkSent finalizes a delivered entry and stamps the server's
// identity onto the local entity record in the same transaction. Sent
// is terminal.
func (s *Service) MarkSent(ctx context.Context, id uuid.UUID, meta model.RemoteMetadata) error {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	sentAt := meta.ServerTime.UTC()
	if meta.ServerTime.IsZero() {
		sentAt = time.Now().UTC()
	}

	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.store.Outbox().MarkSentTx(tx, id, sentAt)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.InvalidState(fmt.Sprintf("entry %s is %s, not pending", id, entry.Status))
		}
		return s.store.Entities().ApplyRemoteMetadataTx(tx, entry.EntityType, entry.EntityID, meta)
	})
	if err != nil {
		return err
	}

	s.metrics.EntriesSent.Inc()
	s.store.PublishChange(ctx, entry.EntityType, entry.EntityID, repository.ChangeSourceRemote)
	return nil
}

// MarkError records a delivery failure. The attempt counter advances
// and the entry stays out of GetPending until nextAttemptAt passes.
func (s *Service) MarkError(ctx context.Context, id uuid.UUID, message, code string, nextAttemptAt *time.Time) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	var codePtr *string
	if code != "" {
		codePtr = &code
	}
	ok, err := s.store.Outbox().MarkError(ctx, id, message, codePtr, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to mark entry errored: %w", err)
	}
	if !ok {
		return apperrors.InvalidState(fmt.Sprintf("entry %s is already sent", id))
	}
	return nil
}

// Requeue moves an errored entry back to pending immediately,
// bypassing any backoff delay.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) error {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	ok, err := s.store.Outbox().Requeue(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to requeue entry: %w", err)
	}
	if !ok {
		return apperrors.InvalidState(fmt.Sprintf("entry %s is %s, only errored entries can be requeued", id, entry.Status))
	}

	s.metrics.EntriesRequeued.Inc()
	return nil
}

// RequeueDue returns every errored entry whose backoff window has
// passed to the pending queue, skipping entries out of attempts.
func (s *Service) RequeueDue(ctx context.Context, now time.Time, maxAttempts int) (int64, error) {
	n, err := s.store.Outbox().RequeueDue(ctx, now, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue due entries: %w", err)
	}
	if n > 0 {
		s.metrics.EntriesRequeued.Add(float64(n))
		s.logger.WithFields(map[string]interface{}{"count": n}).Debug("errored entries requeued")
	}
	return n, nil
}

// PurgeSent deletes sent entries older than cutoff. Pending and
// errored entries are never touched.
func (s *Service) PurgeSent(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.store.Outbox().DeleteSentBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sent entries: %w", err)
	}
	if n > 0 {
		s.metrics.EntriesPurged.Add(float64(n))
	}
	return n, nil
}

var _ OutboxServicer = (*Service)(nil)
