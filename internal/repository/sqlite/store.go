package sqlite

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/syncwire/syncwire/internal/repository"
	"github.com/syncwire/syncwire/pkg/logger"
	"github.com/syncwire/syncwire/pkg/messaging"
	"github.com/syncwire/syncwire/pkg/security"
)

// Store implements repository.Store over a single SQLite database.
type Store struct {
	db   *sqlx.DB
	base BaseRepository

	outbox      repository.OutboxRepository
	checkpoints repository.CheckpointRepository
	entities    repository.EntityRepository
	conflicts   repository.ConflictRepository

	broker messaging.Broker
	logger *logger.Logger
}

// NewStore wires the repositories over one database handle. The broker
// may be nil when nobody listens for change notifications, and enc may
// be nil to keep payload blobs in cleartext.
func NewStore(db *sqlx.DB, broker messaging.Broker, log *logger.Logger, enc security.Encryptor) *Store {
	if log == nil {
		log = logger.NewLogger(nil)
	}
	base := NewBaseRepository(db)
	return &Store{
		db:          db,
		base:        base,
		outbox:      NewOutboxRepository(base, enc),
		checkpoints: NewCheckpointRepository(base),
		entities:    NewEntityRepository(base, enc),
		conflicts:   NewConflictRepository(base, enc),
		broker:      broker,
		logger:      log.WithComponent("store"),
	}
}

func (s *Store) Outbox() repository.OutboxRepository { return s.outbox }

func (s *Store) Checkpoints() repository.CheckpointRepository { return s.checkpoints }

func (s *Store) Entities() repository.EntityRepository { return s.entities }

func (s *Store) Conflicts() repository.ConflictRepository { return s.conflicts }

// WithTx executes a function within a single transaction
func (s *Store) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return s.base.WithTx(ctx, fn)
}

// PublishChange notifies subscribers of a committed mutation. Delivery
// is best-effort and never blocks the caller.
func (s *Store) PublishChange(ctx context.Context, entityType, entityID, source string) {
	if s.broker == nil {
		return
	}
	ev := messaging.Event{
		Type:       messaging.EventEntityChanged,
		EntityType: entityType,
		EntityID:   entityID,
		Source:     source,
		At:         time.Now().UTC(),
	}
	if err := s.broker.Publish(ctx, messaging.ChannelChanges, ev); err != nil {
		s.logger.Error(err, "failed to publish change notification")
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ repository.Store = (*Store)(nil)
