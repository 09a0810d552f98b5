package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/transport"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDeviceExists  = errors.New("device already registered")
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Device is a registered sync client.
type Device struct {
	ID           string    `db:"id" json:"id"`
	SecretHash   string    `db:"secret_hash" json:"-"`
	RegisteredAt time.Time `db:"registered_at" json:"registered_at"`
}

// Store is the server-side database: canonical entity state, an
// append-only change log whose sequence numbers become pull cursors,
// and bookkeeping for devices and processed entries.
type Store struct {
	db     *sqlx.DB
	driver string
}

// OpenStore connects to the configured database and runs migrations.
// Driver is either "postgres" or "sqlite".
func OpenStore(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing connection, for tests.
func NewStore(db *sqlx.DB, driver string) (*Store, error) {
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate() error {
	seqColumn := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		seqColumn = "seq BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			secret_hash TEXT NOT NULL,
			registered_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS server_entities (
			entity_type TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			payload TEXT,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (entity_type, remote_id)
		)`,
		`CREATE TABLE IF NOT EXISTS entity_aliases (
			device_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			local_id TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			PRIMARY KEY (device_id, entity_type, local_id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS change_log (
			%s,
			entity_type TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			payload TEXT,
			server_time TIMESTAMP NOT NULL
		)`, seqColumn),
		`CREATE INDEX IF NOT EXISTS idx_change_log_type_seq ON change_log (entity_type, seq)`,
		`CREATE TABLE IF NOT EXISTS processed_entries (
			entry_id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			server_time TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Cursors are change_log sequence numbers, zero padded to a fixed
// width so clients can order them as plain strings.
const cursorWidth = 20

func encodeCursor(seq int64) string {
	return fmt.Sprintf("%0*d", cursorWidth, seq)
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// CreateDevice registers a device with an already-hashed secret.
func (s *Store) CreateDevice(ctx context.Context, device *Device) error {
	var exists int
	query := s.db.Rebind(`SELECT COUNT(*) FROM devices WHERE id = ?`)
	if err := s.db.GetContext(ctx, &exists, query, device.ID); err != nil {
		return fmt.Errorf("failed to check device: %w", err)
	}
	if exists > 0 {
		return ErrDeviceExists
	}

	query = s.db.Rebind(`INSERT INTO devices (id, secret_hash, registered_at) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, device.ID, device.SecretHash, device.RegisteredAt); err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	var device Device
	query := s.db.Rebind(`SELECT id, secret_hash, registered_at FROM devices WHERE id = ?`)
	err := s.db.GetContext(ctx, &device, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

// ApplyPush ingests one outbox entry. Replays of an already-processed
// entry return the original verdict without touching state, so client
// retries after a lost response stay safe.
func (s *Store) ApplyPush(ctx context.Context, deviceID string, req *transport.PushRequest) (*transport.SendResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if result, err := s.replayVerdict(tx, req.EntryID.String()); err != nil {
		return nil, err
	} else if result != nil {
		return result, nil
	}

	remoteID, err := s.resolveRemoteID(tx, deviceID, req)
	if err != nil {
		return nil, err
	}
	if remoteID == "" {
		return &transport.SendResult{
			Success:      false,
			ErrorCode:    "UNKNOWN_ENTITY",
			ErrorMessage: fmt.Sprintf("no %s entity for id %s", req.EntityType, req.EntityID),
		}, nil
	}

	var version int64
	query := tx.Rebind(`SELECT version FROM server_entities WHERE entity_type = ? AND remote_id = ?`)
	if err := tx.Get(&version, query, req.EntityType, remoteID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read entity version: %w", err)
	}
	version++

	now := time.Now().UTC()
	deleted := req.Action == model.ActionDelete
	payload := req.Payload
	if deleted {
		payload = nil
	}

	query = tx.Rebind(`
		INSERT INTO server_entities (entity_type, remote_id, version, deleted, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, remote_id) DO UPDATE SET
			version = excluded.version,
			deleted = excluded.deleted,
			payload = excluded.payload,
			updated_at = excluded.updated_at`)
	if _, err := tx.Exec(query, req.EntityType, remoteID, version, deleted, payload, now); err != nil {
		return nil, fmt.Errorf("failed to upsert entity: %w", err)
	}

	query = tx.Rebind(`
		INSERT INTO change_log (entity_type, remote_id, version, deleted, payload, server_time)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.Exec(query, req.EntityType, remoteID, version, deleted, payload, now); err != nil {
		return nil, fmt.Errorf("failed to append change log: %w", err)
	}

	query = tx.Rebind(`
		INSERT INTO processed_entries (entry_id, device_id, remote_id, version, server_time)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := tx.Exec(query, req.EntryID.String(), deviceID, remoteID, version, now); err != nil {
		return nil, fmt.Errorf("failed to record processed entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit push: %w", err)
	}

	return &transport.SendResult{
		Success:    true,
		RemoteID:   remoteID,
		NewVersion: version,
		ServerTime: now,
	}, nil
}

func (s *Store) replayVerdict(tx *sqlx.Tx, entryID string) (*transport.SendResult, error) {
	var processed struct {
		RemoteID   string    `db:"remote_id"`
		Version    int64     `db:"version"`
		ServerTime time.Time `db:"server_time"`
	}
	query := tx.Rebind(`SELECT remote_id, version, server_time FROM processed_entries WHERE entry_id = ?`)
	err := tx.Get(&processed, query, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check processed entries: %w", err)
	}
	return &transport.SendResult{
		Success:    true,
		RemoteID:   processed.RemoteID,
		NewVersion: processed.Version,
		ServerTime: processed.ServerTime,
	}, nil
}

// resolveRemoteID maps the client's entity id to the canonical remote
// id. Devices that learned an entity from a pull address it by its
// remote id directly; the alias table covers ids minted locally before
// first contact. An empty return means the entity is unknown and the
// action was not a create.
func (s *Store) resolveRemoteID(tx *sqlx.Tx, deviceID string, req *transport.PushRequest) (string, error) {
	var remoteID string
	query := tx.Rebind(`SELECT remote_id FROM entity_aliases WHERE device_id = ? AND entity_type = ? AND local_id = ?`)
	err := tx.Get(&remoteID, query, deviceID, req.EntityType, req.EntityID)
	if err == nil {
		return remoteID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to resolve alias: %w", err)
	}

	var known int
	query = tx.Rebind(`SELECT COUNT(*) FROM server_entities WHERE entity_type = ? AND remote_id = ?`)
	if err := tx.Get(&known, query, req.EntityType, req.EntityID); err != nil {
		return "", fmt.Errorf("failed to check entity: %w", err)
	}
	if known > 0 {
		return req.EntityID, nil
	}

	if req.Action != model.ActionCreate {
		return "", nil
	}

	remoteID = uuid.New().String()
	query = tx.Rebind(`INSERT INTO entity_aliases (device_id, entity_type, local_id, remote_id) VALUES (?, ?, ?, ?)`)
	if _, err := tx.Exec(query, deviceID, req.EntityType, req.EntityID, remoteID); err != nil {
		return "", fmt.Errorf("failed to create alias: %w", err)
	}
	return remoteID, nil
}

type changeRow struct {
	Seq        int64     `db:"seq"`
	EntityType string    `db:"entity_type"`
	RemoteID   string    `db:"remote_id"`
	Version    int64     `db:"version"`
	Deleted    bool      `db:"deleted"`
	Payload    []byte    `db:"payload"`
	ServerTime time.Time `db:"server_time"`
}

// ChangesSince pages the change log for one scope. The scope is an
// entity type, or "*" for everything. The returned cursor equals the
// request cursor when there is nothing new.
func (s *Store) ChangesSince(ctx context.Context, scope, cursor string, limit int) (*model.ChangeSet, error) {
	since, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT seq, entity_type, remote_id, version, deleted, payload, server_time
		FROM change_log WHERE seq > ?`
	args := []interface{}{since}
	if scope != model.ScopeAll {
		query += ` AND entity_type = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit+1)

	var rows []changeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	set := &model.ChangeSet{
		Scope:   scope,
		Since:   cursor,
		Cursor:  cursor,
		Records: make([]model.ChangeRecord, 0, len(rows)),
		HasMore: hasMore,
	}
	for _, row := range rows {
		set.Cursor = encodeCursor(row.Seq)
		set.Records = append(set.Records, model.ChangeRecord{
			EntityType:      row.EntityType,
			RemoteID:        row.RemoteID,
			Version:         row.Version,
			Deleted:         row.Deleted,
			Data:            row.Payload,
			ServerUpdatedAt: row.ServerTime,
		})
	}
	return set, nil
}
