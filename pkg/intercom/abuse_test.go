// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToggleSilence(t *testing.T) {
	a := NewAbuseMitigation(newTestStore(t), 3, zerolog.Nop())
	ctx := context.Background()

	silenced, err := a.ToggleSilence(ctx, "t2", "t1")
	require.NoError(t, err)
	assert.True(t, silenced)
	assert.ErrorIs(t, a.CheckRequest(ctx, "t1", "t2"), ErrSilenced)
	assert.NoError(t, a.CheckRequest(ctx, "t2", "t1"), "silences are directional")

	silenced, err = a.ToggleSilence(ctx, "t2", "t1")
	require.NoError(t, err)
	assert.False(t, silenced)
	assert.NoError(t, a.CheckRequest(ctx, "t1", "t2"))
}

func TestRecordFailurePromotesAtThreshold(t *testing.T) {
	a := NewAbuseMitigation(newTestStore(t), 3, zerolog.Nop())
	ctx := context.Background()

	for want := 1; want < 3; want++ {
		count, err := a.RecordFailure(ctx, "t1", "t2")
		require.NoError(t, err)
		assert.Equal(t, want, count)
		assert.NoError(t, a.CheckRequest(ctx, "t1", "t2"))
	}
	count, err := a.RecordFailure(ctx, "t1", "t2")
	require.NoError(t, err)
	assert.Zero(t, count, "the counter is replaced by a silence")

	silenced, err := a.IsSilenced(ctx, "t2", "t1")
	require.NoError(t, err)
	assert.True(t, silenced, "the target silences the requester")
	list, err := a.Silenced(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, []CommunityID{"t1"}, list)
	count, err = a.FailureCount(ctx, "t1", "t2")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.ErrorIs(t, a.CheckRequest(ctx, "t1", "t2"), ErrSilenced)
}

func TestCheckRequestPromotesExhaustedCounter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for range 3 {
		_, err := st.IncrementFailure(ctx, "t1", "t2")
		require.NoError(t, err)
	}
	a := NewAbuseMitigation(st, 3, zerolog.Nop())

	assert.ErrorIs(t, a.CheckRequest(ctx, "t1", "t2"), ErrSilenced)
	silenced, err := a.IsSilenced(ctx, "t2", "t1")
	require.NoError(t, err)
	assert.True(t, silenced)
	count, err := a.FailureCount(ctx, "t1", "t2")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestClearFailures(t *testing.T) {
	a := NewAbuseMitigation(newTestStore(t), 3, zerolog.Nop())
	ctx := context.Background()

	for range 2 {
		_, err := a.RecordFailure(ctx, "t1", "t2")
		require.NoError(t, err)
	}
	require.NoError(t, a.ClearFailures(ctx, "t1", "t2"))
	count, err := a.RecordFailure(ctx, "t1", "t2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPromoteToSilence(t *testing.T) {
	a := NewAbuseMitigation(newTestStore(t), 3, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, a.PromoteToSilence(ctx, "t1", "t2"))
	require.NoError(t, a.PromoteToSilence(ctx, "t1", "t2"))
	silenced, err := a.IsSilenced(ctx, "t2", "t1")
	require.NoError(t, err)
	assert.True(t, silenced)
}

func TestSilencedReplyMatchesUnsupportedType(t *testing.T) {
	assert.Equal(t, UserMessage(ErrUnsupportedChannelType), UserMessage(ErrSilenced))
}
