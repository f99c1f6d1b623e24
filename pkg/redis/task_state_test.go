package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStateRoundTrip(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()

	_, found, err := GetTaskState(ctx, rdb, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, PutTaskState(ctx, rdb, "t-1", TaskProcessing, "", "", time.Minute))

	state, found, err := GetTaskState(ctx, rdb, "t-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, TaskProcessing, state.Status)

	require.NoError(t, PutTaskState(ctx, rdb, "t-1", TaskSuccess, "SK123", "", time.Minute))

	state, found, err = GetTaskState(ctx, rdb, "t-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, TaskSuccess, state.Status)
	assert.Equal(t, "SK123", state.OrderNo)
}

func TestTaskStateFailureReason(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, PutTaskState(ctx, rdb, "t-2", TaskFailed, "", "stock not enough", time.Minute))

	state, found, err := GetTaskState(ctx, rdb, "t-2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, TaskFailed, state.Status)
	assert.Equal(t, "stock not enough", state.Reason)
}
