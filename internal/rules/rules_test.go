package rules_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/rules"
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

func TestSetRule_AssignsIDAndRoundTrips(t *testing.T) {
	s := rules.New(openTestStore(t))
	ctx := context.Background()

	created, err := s.SetRule(ctx, model.Rule{Type: "reminder", Name: "daily", Enabled: true})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, found, err := s.GetRule(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "daily", got.Name)
}

func TestUpdatePlan_VersionIncrements(t *testing.T) {
	s := rules.New(openTestStore(t))
	ctx := context.Background()

	first, err := s.UpdatePlan(ctx, "t1", map[string]any{"step": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	second, err := s.UpdatePlan(ctx, "t1", map[string]any{"step": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
}

func TestListRules_ReturnsAll(t *testing.T) {
	s := rules.New(openTestStore(t))
	ctx := context.Background()

	_, err := s.SetRule(ctx, model.Rule{Type: "a"})
	require.NoError(t, err)
	_, err = s.SetRule(ctx, model.Rule{Type: "b"})
	require.NoError(t, err)

	all, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
