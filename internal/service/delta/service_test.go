package delta

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/syncwire/syncwire/pkg/errors"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/repository"
	"github.com/syncwire/syncwire/internal/repository/sqlite"
	"github.com/syncwire/syncwire/internal/transport"
)

// fakeTransport serves scripted change pages keyed by scope and cursor.
type fakeTransport struct {
	pages    map[string]map[string]*model.ChangeSet
	fetchErr error
	fetches  int
}

func (f *fakeTransport) Send(context.Context, *model.OutboxEntry) (*transport.SendResult, error) {
	panic("not used")
}

func (f *fakeTransport) FetchSince(_ context.Context, scope, cursor string, _ int) (*model.ChangeSet, error) {
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if page, ok := f.pages[scope][cursor]; ok {
		return page, nil
	}
	return &model.ChangeSet{Scope: scope, Since: cursor, Cursor: cursor}, nil
}

func newTestStore(t *testing.T) repository.Store {
	t.Helper()
	db, err := sqlite.Open(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)

	store := sqlite.NewStore(db, nil, nil, nil)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestService(t *testing.T, ft *fakeTransport, policy model.ConflictPolicy) (*Service, repository.Store) {
	t.Helper()
	store := newTestStore(t)
	svc := NewService(store, ft, Config{ConflictPolicy: policy, BatchSize: 10}, nil, nil)
	return svc, store
}

func changeRecord(entityType, remoteID string, version int64, data string, at time.Time) model.ChangeRecord {
	return model.ChangeRecord{
		EntityType:      entityType,
		RemoteID:        remoteID,
		Version:         version,
		Data:            json.RawMessage(data),
		ServerUpdatedAt: at,
	}
}

// seedEntity stores a local entity with no pending outbox entries, a
// clean row from the remote's point of view.
func seedEntity(t *testing.T, store repository.Store, entityType, entityID, remoteID string, version int64, data string, updatedAt time.Time) {
	t.Helper()
	require.NoError(t, store.Entities().Upsert(context.Background(), &model.EntityRecord{
		EntityType:      entityType,
		EntityID:        entityID,
		RemoteID:        &remoteID,
		Version:         version,
		Data:            json.RawMessage(data),
		UpdatedAt:       updatedAt,
		ServerUpdatedAt: &updatedAt,
	}))
}

// markDirty gives an entity an unpushed outbox entry so the next pull
// sees concurrent local edits.
func markDirty(t *testing.T, store repository.Store, entityType, entityID string) {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.Outbox().Create(context.Background(), &model.OutboxEntry{
		ID:         id,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     model.ActionUpdate,
		Payload:    json.RawMessage(`{}`),
		Status:     model.OutboxStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
}

func TestSyncScopePagesToCompletion(t *testing.T) {
	now := time.Now().UTC()
	ft := &fakeTransport{pages: map[string]map[string]*model.ChangeSet{
		"notes": {
			"": {
				Scope:   "notes",
				Cursor:  "00000001",
				HasMore: true,
				Records: []model.ChangeRecord{
					changeRecord("note", "r1", 1, `{"title":"one"}`, now),
					changeRecord("note", "r2", 1, `{"title":"two"}`, now),
				},
			},
			"00000001": {
				Scope:  "notes",
				Since:  "00000001",
				Cursor: "00000002",
				Records: []model.ChangeRecord{
					changeRecord("note", "r3", 1, `{"title":"three"}`, now),
				},
			},
		},
	}}
	svc, store := newTestService(t, ft, model.ConflictLastWriteWins)

	applied, err := svc.SyncScope(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	checkpoint, err := store.Checkpoints().Get(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, "00000002", checkpoint.Cursor)
	assert.Equal(t, model.ScopeStateSynced, checkpoint.State)
	require.NotNil(t, checkpoint.LastSyncedAt)

	rec, err := store.Entities().Get(context.Background(), "note", "r3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"three"}`, string(rec.Data))
	require.NotNil(t, rec.RemoteID)
	assert.Equal(t, "r3", *rec.RemoteID)
}

func TestApplyChangesIsIdempotent(t *testing.T) {
	now := time.Now().UTC()
	svc, store := newTestService(t, &fakeTransport{}, model.ConflictLastWriteWins)

	changes := &model.ChangeSet{
		Scope:  "notes",
		Cursor: "00000005",
		Records: []model.ChangeRecord{
			changeRecord("note", "r1", 2, `{"title":"fresh"}`, now),
		},
	}

	applied, err := svc.ApplyChanges(context.Background(), changes)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	applied, err = svc.ApplyChanges(context.Background(), changes)
	require.NoError(t, err)
	assert.Equal(t, 0, applied, "reapplying the same change set must be a no-op")

	checkpoint, err := store.Checkpoints().Get(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, "00000005", checkpoint.Cursor)
	assert.Equal(t, model.ScopeStateSynced, checkpoint.State)
}

func TestApplyChangesRejectsStaleCursor(t *testing.T) {
	now := time.Now().UTC()
	svc, store := newTestService(t, &fakeTransport{}, model.ConflictLastWriteWins)
	ctx := context.Background()

	current := &model.ChangeSet{
		Scope:   "notes",
		Cursor:  "00000010",
		Records: []model.ChangeRecord{changeRecord("note", "r1", 3, `{"v":3}`, now)},
	}
	_, err := svc.ApplyChanges(ctx, current)
	require.NoError(t, err)

	stale := &model.ChangeSet{
		Scope:   "notes",
		Cursor:  "00000009",
		Records: []model.ChangeRecord{changeRecord("note", "r1", 2, `{"v":2}`, now)},
	}
	applied, err := svc.ApplyChanges(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	rec, err := store.Entities().Get(ctx, "note", "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":3}`, string(rec.Data), "stale set must not overwrite newer state")

	checkpoint, err := store.Checkpoints().Get(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "00000010", checkpoint.Cursor)
}

func TestApplyChangesIsAtomicWithCheckpoint(t *testing.T) {
	now := time.Now().UTC()
	svc, store := newTestService(t, &fakeTransport{}, model.ConflictLastWriteWins)
	ctx := context.Background()

	broken := &model.ChangeSet{
		Scope:  "notes",
		Cursor: "00000003",
		Records: []model.ChangeRecord{
			changeRecord("note", "r1", 1, `{"title":"good"}`, now),
			{EntityType: "note", RemoteID: "", Version: 1, ServerUpdatedAt: now},
		},
	}

	_, err := svc.ApplyChanges(ctx, broken)
	require.Error(t, err)

	_, err = store.Entities().Get(ctx, "note", "r1")
	assert.ErrorIs(t, err, repository.ErrNotFound, "partial apply must roll back")

	checkpoint, err := store.Checkpoints().Get(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "", checkpoint.Cursor, "checkpoint must not advance past a failed apply")
	assert.Equal(t, model.ScopeStateSyncFailed, checkpoint.State)
}

func TestSyncScopeFailureMarksScope(t *testing.T) {
	ft := &fakeTransport{fetchErr: apperrors.Network("connection refused", nil)}
	svc, store := newTestService(t, ft, model.ConflictLastWriteWins)
	ctx := context.Background()

	_, err := svc.SyncScope(ctx, "notes")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrNetwork))

	checkpoint, err := store.Checkpoints().Get(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, model.ScopeStateSyncFailed, checkpoint.State)
	assert.Equal(t, "", checkpoint.Cursor)
	require.NotNil(t, checkpoint.LastError)
}

func TestPullChangesLeavesNoCheckpoint(t *testing.T) {
	ft := &fakeTransport{fetchErr: apperrors.Remote(404, "UNKNOWN_SCOPE", "unknown scope")}
	svc, store := newTestService(t, ft, model.ConflictLastWriteWins)
	ctx := context.Background()

	_, err := svc.PullChanges(ctx, "bogus")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrRemote))

	_, err = store.Checkpoints().Get(ctx, "bogus")
	assert.ErrorIs(t, err, repository.ErrNotFound, "a pure pull must not create checkpoint rows")
}

func TestConflictLastWriteWinsRemoteNewer(t *testing.T) {
	svc, store := newTestService(t, &fakeTransport{}, model.ConflictLastWriteWins)
	ctx := context.Background()

	localEdit := time.Now().UTC().Add(-time.Hour)
	seedEntity(t, store, "note", "n1", "r1", 1, `{"title":"local"}`, localEdit)
	markDirty(t, store, "note", "n1")

	remoteEdit := time.Now().UTC()
	changes := &model.ChangeSet{
		Scope:   "notes",
		Cursor:  "00000002",
		Records: []model.ChangeRecord{changeRecord("note", "r1", 2, `{"title":"remote"}`, remoteEdit)},
	}
	applied, err := svc.ApplyChanges(ctx, changes)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rec, err := store.Entities().Get(ctx, "note", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"remote"}`, string(rec.Data))
	assert.Equal(t, int64(2), rec.Version)
}

func TestConflictLastWriteWinsLocalNewer(t *testing.T) {
	svc, store := newTestService(t, &fakeTransport{}, model.ConflictLastWriteWins)
	ctx := context.Background()

	localEdit := time.Now().UTC()
	seedEntity(t, store, "note", "n1", "r1", 1, `{"title":"local"}`, localEdit)
	markDirty(t, store, "note", "n1")

	remoteEdit := localEdit.Add(-time.Hour)
	changes := &model.ChangeSet{
		Scope:   "notes",
		Cursor:  "00000002",
		Records: []model.ChangeRecord{changeRecord("note", "r1", 2, `{"title":"remote"}`, remoteEdit)},
	}
	applied, err := svc.ApplyChanges(ctx, changes)
	require.NoError(t, err)
	assert.Equal(t, 0, applied, "older remote change must not clobber newer local edits")

	rec, err := store.Entities().Get(ctx, "note", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"local"}`, string(rec.Data))

	checkpoint, err := store.Checkpoints().Get(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "00000002", checkpoint.Cursor, "cursor advances even when local wins")
}

func TestConflictServerWinsPolicy(t *testing.T) {
	svc, store := newTestService(t, &fakeTransport{}, model.ConflictServerWins)
	ctx := context.Background()

	seedEntity(t, store, "note", "n1", "r1", 1, `{"title":"local"}`, time.Now().UTC())
	markDirty(t, store, "note", "n1")

	changes := &model.ChangeSet{
		Scope:   "notes",
		Cursor:  "00000002",
		Records: []model.ChangeRecord{changeRecord("note", "r1", 2, `{"title":"remote"}`, time.Now().UTC().Add(-time.Hour))},
	}
	applied, err := svc.ApplyChanges(ctx, changes)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rec, err := store.Entities().Get(ctx, "note", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"remote"}`, string(rec.Data))
}

func TestConflictClientWinsPolicy(t *testing.T) {
	svc, store := newTestService(t, &fakeTransport{}, model.ConflictClientWins)
	ctx := context.Background()

	seedEntity(t, store, "note", "n1", "r1", 1, `{"title":"local"}`, time.Now().UTC().Add(-time.Hour))
	markDirty(t, store, "note", "n1")

	changes := &model.ChangeSet{
		Scope:   "notes",
		Cursor:  "00000002",
		Records: []model.ChangeRecord{changeRecord("note", "r1", 2, `{"title":"remote"}`, time.Now().UTC())},
	}
	applied, err := svc.ApplyChanges(ctx, changes)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	rec, err := store.Entities().Get(ctx, "note", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"local"}`, string(rec.Data))
}

func TestConflictManualPolicyRecordsBothSides(t *testing.T) {
	svc, store := newTestService(t, &fakeTransport{}, model.ConflictManual)
	ctx := context.Background()

	seedEntity(t, store, "note", "n1", "r1", 1, `{"title":"local"}`, time.Now().UTC())
	markDirty(t, store, "note", "n1")

	changes := &model.ChangeSet{
		Scope:   "notes",
		Cursor:  "00000002",
		Records: []model.ChangeRecord{changeRecord("note", "r1", 2, `{"title":"remote"}`, time.Now().UTC())},
	}
	applied, err := svc.ApplyChanges(ctx, changes)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	rec, err := store.Entities().Get(ctx, "note", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"local"}`, string(rec.Data), "manual policy leaves local untouched")

	conflicts, err := store.Conflicts().List(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "note", conflicts[0].EntityType)
	assert.Equal(t, "n1", conflicts[0].EntityID)
	assert.Equal(t, int64(1), conflicts[0].LocalVersion)
	assert.Equal(t, int64(2), conflicts[0].RemoteVersion)
	assert.JSONEq(t, `{"title":"local"}`, string(conflicts[0].LocalData))
	assert.JSONEq(t, `{"title":"remote"}`, string(conflicts[0].RemoteData))
}

func TestRemoteTombstoneMarksLocalDeleted(t *testing.T) {
	svc, store := newTestService(t, &fakeTransport{}, model.ConflictLastWriteWins)
	ctx := context.Background()

	seedEntity(t, store, "note", "n1", "r1", 1, `{"title":"doomed"}`, time.Now().UTC().Add(-time.Hour))

	changes := &model.ChangeSet{
		Scope:  "notes",
		Cursor: "00000002",
		Records: []model.ChangeRecord{{
			EntityType:      "note",
			RemoteID:        "r1",
			Version:         2,
			Deleted:         true,
			ServerUpdatedAt: time.Now().UTC(),
		}},
	}
	applied, err := svc.ApplyChanges(ctx, changes)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rec, err := store.Entities().Get(ctx, "note", "n1")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	assert.JSONEq(t, `{"title":"doomed"}`, string(rec.Data), "tombstones keep the last known data")
}

func TestSyncScopeDetectsStuckCursor(t *testing.T) {
	now := time.Now().UTC()
	ft := &fakeTransport{pages: map[string]map[string]*model.ChangeSet{
		"notes": {
			"": {
				Scope:   "notes",
				Cursor:  "",
				HasMore: true,
				Records: []model.ChangeRecord{changeRecord("note", "r1", 1, `{}`, now)},
			},
		},
	}}
	svc, store := newTestService(t, ft, model.ConflictLastWriteWins)

	_, err := svc.SyncScope(context.Background(), "notes")
	require.Error(t, err)

	checkpoint, err := store.Checkpoints().Get(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, model.ScopeStateSyncFailed, checkpoint.State)
}
