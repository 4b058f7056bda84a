package chatcontext_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/relay/internal/chatcontext"
	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	key := make([]byte, 32)
	s, err := store.Open(context.Background(), t.TempDir()+"/state.db", key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertThenGet(t *testing.T) {
	s := chatcontext.New(openTestStore(t))
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, model.ContextRecord{
		ThreadID: "t1", AppID: "trivia", RoomID: "r1", State: model.ContextActive,
	}))

	got, found, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "trivia", got.AppID)
	assert.Equal(t, model.ContextActive, got.State)
}

func TestComplete_IdempotentAgainstTerminal(t *testing.T) {
	s := chatcontext.New(openTestStore(t))
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, model.ContextRecord{ThreadID: "t1", State: model.ContextActive}))
	require.NoError(t, s.Complete(ctx, "t1", "app-a"))

	got, _, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.ContextCompleted, got.State)
	firstUpdate := got.UpdatedAt

	// Completing again must be a no-op, not overwrite app_id.
	require.NoError(t, s.Complete(ctx, "t1", "app-b"))
	got2, _, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "app-a", got2.AppID)
	assert.Equal(t, firstUpdate, got2.UpdatedAt)
}

func TestClear_SetsReasonInMetadata(t *testing.T) {
	s := chatcontext.New(openTestStore(t))
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, model.ContextRecord{ThreadID: "t1", State: model.ContextActive}))
	require.NoError(t, s.Clear(ctx, "t1", "user_requested"))

	got, _, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.ContextCleared, got.State)
	assert.Equal(t, "user_requested", got.Metadata["clear_reason"])
}

func TestGet_MissingReturnsNotFound(t *testing.T) {
	s := chatcontext.New(openTestStore(t))
	_, found, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestList_ReturnsAllRecords(t *testing.T) {
	s := chatcontext.New(openTestStore(t))
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, model.ContextRecord{ThreadID: "t1", State: model.ContextActive}))
	require.NoError(t, s.Upsert(ctx, model.ContextRecord{ThreadID: "t2", State: model.ContextActive}))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
