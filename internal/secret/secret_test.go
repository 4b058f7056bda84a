package secret_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/edgebridge/relay/internal/secret"
)

func TestEnsureKey_GeneratesThenPersists(t *testing.T) {
	keyring.MockInit()

	store := secret.New("edge-relay", "default")

	first, err := store.EnsureKey()
	require.NoError(t, err)
	assert.Len(t, first, 32)

	second, err := store.EnsureKey()
	require.NoError(t, err)
	assert.Equal(t, first, second, "second call must return the same persisted key")
}

func TestEnsureKey_DistinctAccountsGetDistinctKeys(t *testing.T) {
	keyring.MockInit()

	a, err := secret.New("edge-relay", "account-a").EnsureKey()
	require.NoError(t, err)
	b, err := secret.New("edge-relay", "account-b").EnsureKey()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}
