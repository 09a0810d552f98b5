package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/syncwire/syncwire/pkg/errors"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/repository"
	"github.com/syncwire/syncwire/internal/repository/sqlite"
)

func newTestStore(t *testing.T) repository.Store {
	t.Helper()
	db, err := sqlite.Open(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)

	store := sqlite.NewStore(db, nil, nil, nil)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestService(t *testing.T) (*Service, repository.Store) {
	t.Helper()
	store := newTestStore(t)
	return NewService(store, nil, nil), store
}

func TestEnqueueValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	payload := json.RawMessage(`{"title":"hello"}`)

	tests := []struct {
		name       string
		entityType string
		entityID   string
		action     model.Action
		payload    json.RawMessage
	}{
		{"missing entity type", "", "n1", model.ActionCreate, payload},
		{"missing entity id", "note", "", model.ActionCreate, payload},
		{"unknown action", "note", "n1", model.Action("RENAME"), payload},
		{"nil payload", "note", "n1", model.ActionCreate, nil},
		{"malformed payload", "note", "n1", model.ActionCreate, json.RawMessage(`{"title":`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, tt.entityType, tt.entityID, tt.action, tt.payload)
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrValidation))
		})
	}

	count, err := svc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "rejected entries must not be persisted")
}

func TestEnqueuePersistsPendingEntry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Enqueue(ctx, "note", "n1", model.ActionCreate, json.RawMessage(`{"title":"hello"}`))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.Equal(t, model.OutboxStatusPending, entry.Status)
	assert.Equal(t, 0, entry.Attempts)

	got, err := svc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, model.OutboxStatusPending, got.Status)
	assert.JSONEq(t, `{"title":"hello"}`, string(got.Payload))
}

func TestGetPendingReturnsOldestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for _, id := range []string{"n1", "n2", "n3"} {
		entry, err := svc.Enqueue(ctx, "note", id, model.ActionUpdate, json.RawMessage(`{}`))
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}

	pending, err := svc.GetPending(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, entry := range pending {
		assert.Equal(t, ids[i], entry.ID, "entries must come back in enqueue order")
	}

	capped, err := svc.GetPending(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, capped, 2)
	assert.Equal(t, ids[0], capped[0].ID)
	assert.Equal(t, ids[1], capped[1].ID)
}

func TestGetPendingBreaksTimestampTiesByID(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for _, id := range []string{"n1", "n2", "n3"} {
		entry, err := svc.Enqueue(ctx, "note", id, model.ActionUpdate, json.RawMessage(`{}`))
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}

	// Collapse every created_at to one instant so only the id column
	// can order the rows.
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := store.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`UPDATE outbox_entries SET created_at = ?`, frozen)
		return err
	})
	require.NoError(t, err)

	pending, err := svc.GetPending(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, entry := range pending {
		assert.Equal(t, ids[i], entry.ID, "id tie-break must preserve enqueue order")
	}
}

func TestGetPendingFiltersByEntityType(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "note", "n1", model.ActionCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	task, err := svc.Enqueue(ctx, "task", "t1", model.ActionCreate, json.RawMessage(`{}`))
	require.NoError(t, err)

	pending, err := svc.GetPending(ctx, "task", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, task.ID, pending[0].ID)
}

func TestMarkSentIsTerminal(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Enqueue(ctx, "note", "n1", model.ActionCreate, json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)

	require.NoError(t, store.Entities().Upsert(ctx, &model.EntityRecord{
		EntityType: "note",
		EntityID:   "n1",
		Data:       json.RawMessage(`{"title":"x"}`),
		UpdatedAt:  time.Now().UTC(),
	}))

	serverTime := time.Now().UTC().Truncate(time.Second)
	meta := model.RemoteMetadata{RemoteID: "srv-1", Version: 1, ServerTime: serverTime}
	require.NoError(t, svc.MarkSent(ctx, entry.ID, meta))

	got, err := svc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(serverTime))

	pending, err := svc.GetPending(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "sent entries must leave the pending queue")

	rec, err := store.Entities().Get(ctx, "note", "n1")
	require.NoError(t, err)
	require.NotNil(t, rec.RemoteID)
	assert.Equal(t, "srv-1", *rec.RemoteID)
	assert.Equal(t, int64(1), rec.Version)

	// Sent is terminal for every transition.
	err = svc.MarkSent(ctx, entry.ID, meta)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrInvalidState))
	err = svc.MarkError(ctx, entry.ID, "late failure", "", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrInvalidState))
	err = svc.Requeue(ctx, entry.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrInvalidState))
}

func TestMarkSentUnknownEntry(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.MarkSent(context.Background(), uuid.New(), model.RemoteMetadata{RemoteID: "srv-1"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrNotFound))
}

func TestMarkErrorThenRequeue(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Enqueue(ctx, "note", "n1", model.ActionDelete, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, svc.MarkError(ctx, entry.ID, "connection refused", "NETWORK_ERROR", nil))

	got, err := svc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusError, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "connection refused", *got.LastError)

	pending, err := svc.GetPending(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "errored entries must leave the pending queue")

	require.NoError(t, svc.Requeue(ctx, entry.ID))

	pending, err = svc.GetPending(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entry.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts, "attempts survive a requeue")

	// Only errored entries can be requeued.
	err = svc.Requeue(ctx, entry.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrInvalidState))
}

func TestRequeueDueHonorsBackoffWindow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	due, err := svc.Enqueue(ctx, "note", "n1", model.ActionUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)
	parked, err := svc.Enqueue(ctx, "note", "n2", model.ActionUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	require.NoError(t, svc.MarkError(ctx, due.ID, "timeout", "", &past))
	require.NoError(t, svc.MarkError(ctx, parked.ID, "timeout", "", &future))

	n, err := svc.RequeueDue(ctx, now, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := svc.GetPending(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, due.ID, pending[0].ID)

	stillParked, err := svc.Get(ctx, parked.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusError, stillParked.Status)
}

func TestRequeueDueSkipsExhaustedEntries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Enqueue(ctx, "note", "n1", model.ActionUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.MarkError(ctx, entry.ID, "timeout", "", &past))
		if i < 2 {
			require.NoError(t, svc.Requeue(ctx, entry.ID))
		}
	}

	n, err := svc.RequeueDue(ctx, time.Now().UTC(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "entries out of attempts stay errored")

	got, err := svc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusError, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

func TestPurgeSentKeepsUnsentEntries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sent, err := svc.Enqueue(ctx, "note", "n1", model.ActionCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	pending, err := svc.Enqueue(ctx, "note", "n2", model.ActionCreate, json.RawMessage(`{}`))
	require.NoError(t, err)

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, svc.MarkSent(ctx, sent.ID, model.RemoteMetadata{RemoteID: "srv-1", Version: 1, ServerTime: old}))

	n, err := svc.PurgeSent(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.Get(ctx, sent.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrNotFound))

	got, err := svc.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPending, got.Status)
}

func TestEnqueueTxRollsBackWithDomainWrite(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := svc.EnqueueTx(tx, "note", "n1", model.ActionCreate, json.RawMessage(`{}`)); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	count, err := svc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "rolled back enqueue must not persist")
}
