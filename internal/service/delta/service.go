// Package delta implements incremental pull from the remote. Each
// scope tracks an opaque checkpoint cursor; pulled records merge into
// the local store and the cursor advances in the same transaction, so
// a crash never leaves applied data without its checkpoint.
package delta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/syncwire/syncwire/pkg/errors"
	"github.com/syncwire/syncwire/pkg/logger"
	"github.com/syncwire/syncwire/pkg/metrics"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/repository"
	"github.com/syncwire/syncwire/internal/transport"
)

// DefaultBatchSize is the page size for pulls when unset.
const DefaultBatchSize = 200

type DeltaServicer interface {
	PullChanges(ctx context.Context, scope string) (*model.ChangeSet, error)
	ApplyChanges(ctx context.Context, changes *model.ChangeSet) (int, error)
	SyncScope(ctx context.Context, scope string) (int, error)
	ScopeStates(ctx context.Context) ([]*model.SyncCheckpoint, error)
}

type Config struct {
	ConflictPolicy model.ConflictPolicy
	BatchSize      int
}

type Service struct {
	store     repository.Store
	transport transport.RemoteTransport
	config    Config
	logger    *logger.Logger
	metrics   *metrics.Metrics

	mu         sync.Mutex
	scopeLocks map[string]*sync.Mutex
}

func NewService(store repository.Store, rt transport.RemoteTransport, config Config, log *logger.Logger, m *metrics.Metrics) *Service {
	if config.ConflictPolicy == "" {
		config.ConflictPolicy = model.ConflictLastWriteWins
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = logger.NewLogger(nil)
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		store:      store,
		transport:  rt,
		config:     config,
		logger:     log.WithComponent("delta"),
		metrics:    m,
		scopeLocks: make(map[string]*sync.Mutex),
	}
}

// scopeLock serializes sync work per scope. Different scopes proceed
// independently.
func (s *Service) scopeLock(scope string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.scopeLocks[scope]
	if !ok {
		lock = &sync.Mutex{}
		s.scopeLocks[scope] = lock
	}
	return lock
}

// PullChanges fetches the next change set for a scope without touching
// the checkpoint, so a failed pull leaves local state exactly as it
// was.
func (s *Service) PullChanges(ctx context.Context, scope string) (*model.ChangeSet, error) {
	if scope == "" {
		return nil, apperrors.Validation("scope is required", nil)
	}

	cursor, err := s.currentCursor(ctx, scope)
	if err != nil {
		return nil, err
	}

	changes, err := s.transport.FetchSince(ctx, scope, cursor, s.config.BatchSize)
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// ApplyChanges merges a pulled change set and advances the scope
// checkpoint in one transaction. Reapplying a set at or behind the
// current cursor is a no-op, so the operation is safe to retry.
func (s *Service) ApplyChanges(ctx context.Context, changes *model.ChangeSet) (int, error) {
	if changes == nil || changes.Scope == "" {
		return 0, apperrors.Validation("change set scope is required", nil)
	}

	lock := s.scopeLock(changes.Scope)
	lock.Lock()
	defer lock.Unlock()
	return s.applyLocked(ctx, changes)
}

func (s *Service) applyLocked(ctx context.Context, changes *model.ChangeSet) (int, error) {
	scope := changes.Scope
	checkpoint, err := s.store.Checkpoints().Get(ctx, scope)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	if checkpoint != nil {
		cmp := model.CompareCursors(changes.Cursor, checkpoint.Cursor)
		if cmp < 0 {
			return 0, nil
		}
		if cmp == 0 && checkpoint.State == model.ScopeStateSynced {
			return 0, nil
		}
	}

	now := time.Now().UTC()
	if err := s.store.Checkpoints().MarkSyncing(ctx, scope, now); err != nil {
		return 0, fmt.Errorf("failed to mark scope syncing: %w", err)
	}

	applied := 0
	var notify [][2]string
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, record := range changes.Records {
			ok, localID, err := s.mergeRecord(tx, &record, now)
			if err != nil {
				return err
			}
			if ok {
				applied++
				notify = append(notify, [2]string{record.EntityType, localID})
			}
		}
		return s.store.Checkpoints().AdvanceTx(tx, scope, changes.Cursor, now)
	})
	if err != nil {
		s.markFailed(ctx, scope, err)
		return 0, err
	}

	for _, n := range notify {
		s.store.PublishChange(ctx, n[0], n[1], repository.ChangeSourceRemote)
	}
	if applied > 0 {
		s.metrics.RecordsApplied.Add(float64(applied))
	}
	s.logger.WithFields(map[string]interface{}{
		"scope":   scope,
		"cursor":  changes.Cursor,
		"applied": applied,
		"total":   len(changes.Records),
	}).Debug("change set applied")
	return applied, nil
}

// mergeRecord merges one remote record against local state. It returns
// whether the remote side was written and the local entity id it
// landed on.
func (s *Service) mergeRecord(tx *sqlx.Tx, record *model.ChangeRecord, now time.Time) (bool, string, error) {
	if record.EntityType == "" || record.RemoteID == "" {
		return false, "", apperrors.Validation("change record is missing entity type or remote id", nil)
	}

	local, err := s.store.Entities().GetByRemoteIDTx(tx, record.EntityType, record.RemoteID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, "", err
	}

	if local == nil {
		// Remote tombstone for an entity we never stored.
		if record.Deleted {
			return false, "", nil
		}
		if err := s.writeRemote(tx, nil, record, now); err != nil {
			return false, "", err
		}
		return true, record.RemoteID, nil
	}

	dirty, err := s.store.Outbox().HasUnsentTx(tx, record.EntityType, local.EntityID)
	if err != nil {
		return false, "", err
	}
	if !dirty {
		if err := s.writeRemote(tx, local, record, now); err != nil {
			return false, "", err
		}
		return true, local.EntityID, nil
	}

	remoteWins, err := s.resolveConflict(tx, local, record, now)
	if err != nil {
		return false, "", err
	}
	if !remoteWins {
		return false, "", nil
	}
	if err := s.writeRemote(tx, local, record, now); err != nil {
		return false, "", err
	}
	return true, local.EntityID, nil
}

// resolveConflict decides whether the remote side of a dirty entity
// wins. Under the manual policy both sides are recorded for the
// application and the local side stays untouched.
func (s *Service) resolveConflict(tx *sqlx.Tx, local *model.EntityRecord, record *model.ChangeRecord, now time.Time) (bool, error) {
	switch s.config.ConflictPolicy {
	case model.ConflictServerWins:
		s.metrics.ConflictsTotal.WithLabelValues("server_wins").Inc()
		return true, nil

	case model.ConflictClientWins:
		s.metrics.ConflictsTotal.WithLabelValues("client_wins").Inc()
		return false, nil

	case model.ConflictManual:
		conflict := &model.ConflictRecord{
			ID:            uuid.New(),
			EntityType:    local.EntityType,
			EntityID:      local.EntityID,
			LocalVersion:  local.Version,
			RemoteVersion: record.Version,
			LocalData:     local.Data,
			RemoteData:    record.Data,
			DetectedAt:    now,
		}
		if err := s.store.Conflicts().CreateTx(tx, conflict); err != nil {
			return false, err
		}
		s.metrics.ConflictsTotal.WithLabelValues("manual").Inc()
		s.logger.WithFields(map[string]interface{}{
			"entity_type": local.EntityType,
			"entity_id":   local.EntityID,
		}).Warn("merge conflict recorded for manual resolution")
		return false, nil

	default:
		// Last write wins. A record that does not carry a newer server
		// version holds nothing the local side lacks; past that the
		// authoritative change time decides, remote takes ties.
		if record.Version <= local.Version || record.ServerUpdatedAt.Before(local.UpdatedAt) {
			s.metrics.ConflictsTotal.WithLabelValues("lww_local").Inc()
			return false, nil
		}
		s.metrics.ConflictsTotal.WithLabelValues("lww_remote").Inc()
		return true, nil
	}
}

// writeRemote materializes the remote side onto the local row. A
// tombstone keeps the last known data so the application can still
// render what was deleted.
func (s *Service) writeRemote(tx *sqlx.Tx, local *model.EntityRecord, record *model.ChangeRecord, now time.Time) error {
	localID := record.RemoteID
	data := record.Data
	if local != nil {
		localID = local.EntityID
		if data == nil {
			data = local.Data
		}
	}
	serverUpdatedAt := record.ServerUpdatedAt

	return s.store.Entities().UpsertTx(tx, &model.EntityRecord{
		EntityType:      record.EntityType,
		EntityID:        localID,
		RemoteID:        &record.RemoteID,
		Version:         record.Version,
		Data:            data,
		Deleted:         record.Deleted,
		UpdatedAt:       now,
		ServerUpdatedAt: &serverUpdatedAt,
	})
}

// SyncScope pulls every outstanding page for a scope and applies each
// one, driving the scope state machine from syncing to synced or
// sync_failed.
func (s *Service) SyncScope(ctx context.Context, scope string) (int, error) {
	if scope == "" {
		return 0, apperrors.Validation("scope is required", nil)
	}

	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	defer func() {
		s.metrics.PullLatency.Observe(time.Since(start).Seconds())
	}()

	if err := s.store.Checkpoints().MarkSyncing(ctx, scope, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("failed to mark scope syncing: %w", err)
	}

	total := 0
	lastCursor := ""
	for {
		cursor, err := s.currentCursor(ctx, scope)
		if err != nil {
			s.markFailed(ctx, scope, err)
			return total, err
		}

		changes, err := s.transport.FetchSince(ctx, scope, cursor, s.config.BatchSize)
		if err != nil {
			s.markFailed(ctx, scope, err)
			s.metrics.PullsTotal.WithLabelValues(scope, "failed").Inc()
			return total, err
		}

		applied, err := s.applyLocked(ctx, changes)
		if err != nil {
			s.metrics.PullsTotal.WithLabelValues(scope, "failed").Inc()
			return total, err
		}
		total += applied

		if !changes.HasMore {
			break
		}
		// A server that reports more pages must advance the cursor,
		// otherwise the loop would spin on the same page.
		if changes.Cursor == cursor || changes.Cursor == lastCursor {
			err := apperrors.Remote(0, "", fmt.Sprintf("server reported more pages without advancing cursor %q", cursor))
			s.markFailed(ctx, scope, err)
			s.metrics.PullsTotal.WithLabelValues(scope, "failed").Inc()
			return total, err
		}
		lastCursor = changes.Cursor
	}

	s.metrics.PullsTotal.WithLabelValues(scope, "success").Inc()
	return total, nil
}

// ScopeStates lists every scope checkpoint.
func (s *Service) ScopeStates(ctx context.Context) ([]*model.SyncCheckpoint, error) {
	states, err := s.store.Checkpoints().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list scope states: %w", err)
	}
	return states, nil
}

func (s *Service) currentCursor(ctx context.Context, scope string) (string, error) {
	checkpoint, err := s.store.Checkpoints().Get(ctx, scope)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return checkpoint.Cursor, nil
}

// markFailed records a sync failure on the scope. The write uses a
// detached context so a cancelled cycle still leaves the scope in a
// truthful state.
func (s *Service) markFailed(ctx context.Context, scope string, cause error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.Checkpoints().MarkFailed(writeCtx, scope, time.Now().UTC(), cause.Error()); err != nil {
		s.logger.Error(err, "failed to mark scope failed")
	}
}

var _ DeltaServicer = (*Service)(nil)
