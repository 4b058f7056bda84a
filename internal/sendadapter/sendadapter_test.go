package sendadapter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/sendadapter"
)

type fakeSender struct {
	singleCalls int
	burstCalls  int
}

func (f *fakeSender) SendSingle(ctx context.Context, threadID, text string, isGroup bool) (bool, error) {
	f.singleCalls++
	return true, nil
}

func (f *fakeSender) SendBurst(ctx context.Context, threadID string, bubbles []string, isGroup, batched bool) (bool, error) {
	f.burstCalls++
	return true, nil
}

func TestSendSingle_RejectsUnsafeText(t *testing.T) {
	a := sendadapter.New(&fakeSender{})
	_, err := a.SendSingle(context.Background(), "t1", `run "rm -rf /"`, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnsafeText))
}

func TestSendSingle_AllowsOrdinaryWords(t *testing.T) {
	f := &fakeSender{}
	a := sendadapter.New(f)
	ok, err := a.SendSingle(context.Background(), "t1", "I'm running late, executive decision made", false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.singleCalls)
}

func TestSendSingle_RejectsOnceLimitExceeded(t *testing.T) {
	f := &fakeSender{}
	a := sendadapter.New(f)
	for i := 0; i < 60; i++ {
		ok, err := a.SendSingle(context.Background(), "t1", "hi", false)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err := a.SendSingle(context.Background(), "t1", "hi", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrRateLimited))
}

func TestSendBurst_BatchedCostsOneSlot(t *testing.T) {
	f := &fakeSender{}
	a := sendadapter.New(f)
	ok, err := a.SendBurst(context.Background(), "t1", []string{"a", "b", "c"}, false, true)
	require.NoError(t, err)
	assert.True(t, ok)

	for i := 0; i < 59; i++ {
		ok, err := a.SendSingle(context.Background(), "t1", "hi", false)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err = a.SendSingle(context.Background(), "t1", "one too many", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrRateLimited))
}
