package server

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
	"github.com/syncwire/syncwire/internal/transport"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	store, err := NewStore(db, "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func pushReq(entityType, entityID string, action model.Action, payload string) *transport.PushRequest {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return &transport.PushRequest{
		EntryID:    uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Payload:    raw,
		ClientTime: time.Now().UTC(),
	}
}

func TestApplyPushCreatesEntity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result, err := store.ApplyPush(ctx, "device-a", pushReq("notes", "local-1", model.ActionCreate, `{"title":"hello"}`))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.RemoteID)
	assert.Equal(t, int64(1), result.NewVersion)
	assert.False(t, result.ServerTime.IsZero())

	set, err := store.ChangesSince(ctx, model.ScopeAll, "", 10)
	require.NoError(t, err)
	require.Len(t, set.Records, 1)
	assert.Equal(t, result.RemoteID, set.Records[0].RemoteID)
	assert.JSONEq(t, `{"title":"hello"}`, string(set.Records[0].Data))
	assert.False(t, set.HasMore)
}

func TestApplyPushReplaysVerdict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	req := pushReq("notes", "local-1", model.ActionCreate, `{"title":"hello"}`)

	first, err := store.ApplyPush(ctx, "device-a", req)
	require.NoError(t, err)
	second, err := store.ApplyPush(ctx, "device-a", req)
	require.NoError(t, err)

	assert.Equal(t, first.RemoteID, second.RemoteID)
	assert.Equal(t, first.NewVersion, second.NewVersion)

	set, err := store.ChangesSince(ctx, model.ScopeAll, "", 10)
	require.NoError(t, err)
	assert.Len(t, set.Records, 1)
}

func TestApplyPushAliasSurvivesAcrossEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.ApplyPush(ctx, "device-a", pushReq("notes", "local-1", model.ActionCreate, `{"v":1}`))
	require.NoError(t, err)

	updated, err := store.ApplyPush(ctx, "device-a", pushReq("notes", "local-1", model.ActionUpdate, `{"v":2}`))
	require.NoError(t, err)

	assert.Equal(t, created.RemoteID, updated.RemoteID)
	assert.Equal(t, int64(2), updated.NewVersion)
}

func TestApplyPushByRemoteIDFromOtherDevice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.ApplyPush(ctx, "device-a", pushReq("notes", "local-1", model.ActionCreate, `{"v":1}`))
	require.NoError(t, err)

	// Device B learned the entity from a pull and addresses it by the
	// canonical id.
	updated, err := store.ApplyPush(ctx, "device-b", pushReq("notes", created.RemoteID, model.ActionUpdate, `{"v":2}`))
	require.NoError(t, err)

	assert.True(t, updated.Success)
	assert.Equal(t, created.RemoteID, updated.RemoteID)
	assert.Equal(t, int64(2), updated.NewVersion)
}

func TestApplyPushUnknownEntityRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result, err := store.ApplyPush(ctx, "device-a", pushReq("notes", "never-seen", model.ActionUpdate, `{"v":1}`))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "UNKNOWN_ENTITY", result.ErrorCode)

	set, err := store.ChangesSince(ctx, model.ScopeAll, "", 10)
	require.NoError(t, err)
	assert.Empty(t, set.Records)
}

func TestApplyPushDeleteWritesTombstone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ApplyPush(ctx, "device-a", pushReq("notes", "local-1", model.ActionCreate, `{"v":1}`))
	require.NoError(t, err)
	_, err = store.ApplyPush(ctx, "device-a", pushReq("notes", "local-1", model.ActionDelete, `{}`))
	require.NoError(t, err)

	set, err := store.ChangesSince(ctx, model.ScopeAll, "", 10)
	require.NoError(t, err)
	require.Len(t, set.Records, 2)

	tombstone := set.Records[1]
	assert.True(t, tombstone.Deleted)
	assert.Empty(t, tombstone.Data)
	assert.Equal(t, int64(2), tombstone.Version)
}

func TestChangesSincePagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.ApplyPush(ctx, "device-a", pushReq("notes", uuid.New().String(), model.ActionCreate, `{}`))
		require.NoError(t, err)
	}

	var cursors []string
	cursor := ""
	total := 0
	for {
		set, err := store.ChangesSince(ctx, "notes", cursor, 2)
		require.NoError(t, err)
		total += len(set.Records)
		if !set.HasMore {
			assert.Len(t, set.Records, 1)
			cursor = set.Cursor
			break
		}
		assert.Len(t, set.Records, 2)
		require.Greater(t, set.Cursor, cursor)
		cursors = append(cursors, set.Cursor)
		cursor = set.Cursor
	}
	assert.Equal(t, 5, total)
	assert.Len(t, cursors, 2)

	// Nothing new: cursor stays put.
	set, err := store.ChangesSince(ctx, "notes", cursor, 2)
	require.NoError(t, err)
	assert.Empty(t, set.Records)
	assert.Equal(t, cursor, set.Cursor)
	assert.Equal(t, cursor, set.Since)
}

func TestChangesSinceScopeFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ApplyPush(ctx, "device-a", pushReq("notes", "n1", model.ActionCreate, `{}`))
	require.NoError(t, err)
	_, err = store.ApplyPush(ctx, "device-a", pushReq("tasks", "t1", model.ActionCreate, `{}`))
	require.NoError(t, err)

	notes, err := store.ChangesSince(ctx, "notes", "", 10)
	require.NoError(t, err)
	require.Len(t, notes.Records, 1)
	assert.Equal(t, "notes", notes.Records[0].EntityType)

	all, err := store.ChangesSince(ctx, model.ScopeAll, "", 10)
	require.NoError(t, err)
	assert.Len(t, all.Records, 2)
}

func TestChangesSinceInvalidCursor(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ChangesSince(context.Background(), model.ScopeAll, "not-a-cursor", 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestDeviceLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	device := &Device{ID: "device-a", SecretHash: "hash", RegisteredAt: time.Now().UTC()}
	require.NoError(t, store.CreateDevice(ctx, device))

	got, err := store.GetDevice(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, "hash", got.SecretHash)

	err = store.CreateDevice(ctx, device)
	assert.ErrorIs(t, err, ErrDeviceExists)

	_, err = store.GetDevice(ctx, "device-b")
	assert.ErrorIs(t, err, ErrNotFound)
}
