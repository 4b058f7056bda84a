package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/scheduler"
	"github.com/edgebridge/relay/internal/sendadapter"
	"github.com/edgebridge/relay/internal/store"
)

type fakeSender struct {
	calls []string
	fail  bool
}

func (f *fakeSender) SendSingle(ctx context.Context, threadID, text string, isGroup bool) (bool, error) {
	f.calls = append(f.calls, threadID)
	if f.fail {
		return false, assert.AnError
	}
	return true, nil
}

func (f *fakeSender) SendBurst(ctx context.Context, threadID string, bubbles []string, isGroup, batched bool) (bool, error) {
	return true, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	key := make([]byte, 32)
	s, err := store.Open(context.Background(), t.TempDir()+"/state.db", key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedule_ThenCancel(t *testing.T) {
	f := &fakeSender{}
	sch := scheduler.New(openTestStore(t), sendadapter.New(f), nil, silentLogger())
	ctx := context.Background()

	id, err := sch.Schedule(ctx, "t1", "hi", time.Now().Add(time.Hour), false, "")
	require.NoError(t, err)

	ok, err := sch.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	entry, found, err := sch.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.ScheduledCancelled, entry.Status)
}

func TestCancel_ReturnsFalseForNonPending(t *testing.T) {
	f := &fakeSender{}
	sch := scheduler.New(openTestStore(t), sendadapter.New(f), nil, silentLogger())
	ctx := context.Background()

	id, err := sch.Schedule(ctx, "t1", "hi", time.Now().Add(time.Hour), false, "")
	require.NoError(t, err)

	ok, err := sch.Cancel(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sch.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "cancelling an already-cancelled entry must return false")
}

func TestStart_FiresDueEntryAndClaimsExactlyOnce(t *testing.T) {
	f := &fakeSender{}
	sch := scheduler.New(openTestStore(t), sendadapter.New(f), nil, silentLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := sch.Schedule(ctx, "t1", "hi", time.Now().Add(50*time.Millisecond), false, "")
	require.NoError(t, err)

	sch.Start(ctx)
	defer sch.Stop()

	require.Eventually(t, func() bool {
		entry, found, err := sch.Get(ctx, id)
		return err == nil && found && entry.Status == model.ScheduledSent
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, f.calls, 1)
}

func TestStats_CountsByStatus(t *testing.T) {
	f := &fakeSender{}
	sch := scheduler.New(openTestStore(t), sendadapter.New(f), nil, silentLogger())
	ctx := context.Background()

	_, err := sch.Schedule(ctx, "t1", "a", time.Now().Add(time.Hour), false, "")
	require.NoError(t, err)
	id2, err := sch.Schedule(ctx, "t1", "b", time.Now().Add(time.Hour), false, "")
	require.NoError(t, err)
	_, err = sch.Cancel(ctx, id2)
	require.NoError(t, err)

	stats, err := sch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Cancelled)
}
