package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/repository"
	"github.com/syncwire/syncwire/internal/repository/sqlite"
	"github.com/syncwire/syncwire/internal/service/outbox"
)

func newTestStore(t *testing.T) (*sqlx.DB, repository.Store) {
	t.Helper()
	db, err := sqlite.Open(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)

	store := sqlite.NewStore(db, nil, nil, nil)
	t.Cleanup(func() { store.Close() })
	return db, store
}

func sentEntry(t *testing.T, ob *outbox.Service, sentAt time.Time) uuid.UUID {
	t.Helper()
	entry, err := ob.Enqueue(context.Background(), "notes", uuid.New().String(), model.ActionCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, ob.MarkSent(context.Background(), entry.ID, model.RemoteMetadata{
		RemoteID:   uuid.New().String(),
		Version:    1,
		ServerTime: sentAt,
	}))
	return entry.ID
}

func TestRunOncePurgesOldSentEntries(t *testing.T) {
	_, store := newTestStore(t)
	ob := outbox.NewService(store, nil, nil)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	oldID := sentEntry(t, ob, old)
	freshID := sentEntry(t, ob, time.Now().UTC())

	pendingEntry, err := ob.Enqueue(ctx, "notes", "keep-me", model.ActionCreate, json.RawMessage(`{}`))
	require.NoError(t, err)

	w := NewRetentionWorker(ob, store, RetentionConfig{MaxAge: 24 * time.Hour}, nil)
	require.NoError(t, w.RunOnce(ctx))

	_, err = ob.Get(ctx, oldID)
	assert.Error(t, err, "aged sent entries are removed")
	_, err = ob.Get(ctx, freshID)
	assert.NoError(t, err)
	_, err = ob.Get(ctx, pendingEntry.ID)
	assert.NoError(t, err)

	count, err := ob.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunOncePurgesResolvedConflicts(t *testing.T) {
	db, store := newTestStore(t)
	ob := outbox.NewService(store, nil, nil)
	ctx := context.Background()

	record := &model.ConflictRecord{
		ID:            uuid.New(),
		EntityType:    "notes",
		EntityID:      "n1",
		LocalVersion:  1,
		RemoteVersion: 2,
		LocalData:     json.RawMessage(`{"v":1}`),
		RemoteData:    json.RawMessage(`{"v":2}`),
		DetectedAt:    time.Now().UTC().Add(-72 * time.Hour),
	}
	require.NoError(t, store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return store.Conflicts().CreateTx(tx, record)
	}))
	require.NoError(t, store.Conflicts().Resolve(ctx, record.ID))

	// Age the resolution past the retention window.
	_, err := db.Exec(`UPDATE conflict_records SET resolved_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-48*time.Hour), record.ID)
	require.NoError(t, err)

	w := NewRetentionWorker(ob, store, RetentionConfig{MaxAge: 24 * time.Hour}, nil)
	require.NoError(t, w.RunOnce(ctx))

	remaining, err := store.Conflicts().List(ctx, false, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRunOnceKeepsRecentAndUnresolved(t *testing.T) {
	_, store := newTestStore(t)
	ob := outbox.NewService(store, nil, nil)
	ctx := context.Background()

	record := &model.ConflictRecord{
		ID:         uuid.New(),
		EntityType: "notes",
		EntityID:   "n1",
		LocalData:  json.RawMessage(`{}`),
		RemoteData: json.RawMessage(`{}`),
		DetectedAt: time.Now().UTC().Add(-72 * time.Hour),
	}
	require.NoError(t, store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return store.Conflicts().CreateTx(tx, record)
	}))

	w := NewRetentionWorker(ob, store, RetentionConfig{MaxAge: 24 * time.Hour}, nil)
	require.NoError(t, w.RunOnce(ctx))

	remaining, err := store.Conflicts().List(ctx, true, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestStartStopsOnCancel(t *testing.T) {
	_, store := newTestStore(t)
	ob := outbox.NewService(store, nil, nil)

	w := NewRetentionWorker(ob, store, RetentionConfig{Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
