package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testProduct       = uint(1)
	testMaxConcurrent = 2
	testQueueTimeout  = 5 * time.Minute
	testLease         = 30 * time.Second
)

func TestAdmissionScenario(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()

	// U1 U2 占满处理槽
	for _, userID := range []int64{1, 2} {
		res, err := RequestEntry(ctx, rdb, testProduct, userID, testMaxConcurrent, testQueueTimeout, testLease)
		require.NoError(t, err)
		assert.Equal(t, AdmissionImmediate, res.State, "user %d", userID)
	}

	// U3 U4 U5 依序排队
	for i, userID := range []int64{3, 4, 5} {
		res, err := RequestEntry(ctx, rdb, testProduct, userID, testMaxConcurrent, testQueueTimeout, testLease)
		require.NoError(t, err)
		assert.Equal(t, AdmissionQueued, res.State, "user %d", userID)

		pos, err := CheckStatus(ctx, rdb, testProduct, userID)
		require.NoError(t, err)
		assert.Equal(t, AdmissionQueued, pos.State)
		assert.Equal(t, int64(i+1), pos.Position, "user %d", userID)
	}

	// 处理中和排队中的用户重复进入都被拒绝
	for _, userID := range []int64{1, 3} {
		res, err := RequestEntry(ctx, rdb, testProduct, userID, testMaxConcurrent, testQueueTimeout, testLease)
		require.NoError(t, err)
		assert.Equal(t, AdmissionDuplicate, res.State, "user %d", userID)
	}

	// U1 完成,队首 U3 被晋升
	promoted, ok, err := CompleteProcessing(ctx, rdb, testProduct, 1, testLease)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), promoted)

	pos, err := CheckStatus(ctx, rdb, testProduct, 3)
	require.NoError(t, err)
	assert.Equal(t, AdmissionProcessing, pos.State)

	// U4 前进到第 1 位
	pos, err = CheckStatus(ctx, rdb, testProduct, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos.Position)

	count, err := ProcessingCount(ctx, rdb, testProduct)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestCompleteProcessingEmptyQueue(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()

	res, err := RequestEntry(ctx, rdb, testProduct, 1, testMaxConcurrent, testQueueTimeout, testLease)
	require.NoError(t, err)
	require.Equal(t, AdmissionImmediate, res.State)

	_, ok, err := CompleteProcessing(ctx, rdb, testProduct, 1, testLease)
	require.NoError(t, err)
	assert.False(t, ok, "空队列不应有晋升者")

	pos, err := CheckStatus(ctx, rdb, testProduct, 1)
	require.NoError(t, err)
	assert.Equal(t, AdmissionNotFound, pos.State)
}

func TestArrivalSequenceMonotonic(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()

	var last int64
	for userID := int64(1); userID <= 5; userID++ {
		res, err := RequestEntry(ctx, rdb, testProduct, userID, testMaxConcurrent, testQueueTimeout, testLease)
		require.NoError(t, err)
		assert.Greater(t, res.Sequence, last)
		last = res.Sequence
	}
}

func TestCleanupExpiredPromotesInOrder(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()

	// 两个持槽者租约极短,模拟 worker 崩溃
	shortLease := 10 * time.Millisecond
	for _, userID := range []int64{1, 2} {
		res, err := RequestEntry(ctx, rdb, testProduct, userID, testMaxConcurrent, testQueueTimeout, shortLease)
		require.NoError(t, err)
		require.Equal(t, AdmissionImmediate, res.State)
	}
	for _, userID := range []int64{3, 4} {
		res, err := RequestEntry(ctx, rdb, testProduct, userID, testMaxConcurrent, testQueueTimeout, shortLease)
		require.NoError(t, err)
		require.Equal(t, AdmissionQueued, res.State)
	}

	time.Sleep(30 * time.Millisecond)

	promoted, err := CleanupExpired(ctx, rdb, testProduct, testMaxConcurrent, testLease)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, promoted, "补位必须按到达序号")

	for _, userID := range []int64{3, 4} {
		pos, err := CheckStatus(ctx, rdb, testProduct, userID)
		require.NoError(t, err)
		assert.Equal(t, AdmissionProcessing, pos.State, "user %d", userID)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()

	shortLease := 20 * time.Millisecond
	res, err := RequestEntry(ctx, rdb, testProduct, 1, testMaxConcurrent, testQueueTimeout, shortLease)
	require.NoError(t, err)
	require.Equal(t, AdmissionImmediate, res.State)

	require.NoError(t, Heartbeat(ctx, rdb, testProduct, 1, time.Minute))
	time.Sleep(40 * time.Millisecond)

	// 续租后旧租约到期也不会被回收
	pos, err := CheckStatus(ctx, rdb, testProduct, 1)
	require.NoError(t, err)
	assert.Equal(t, AdmissionProcessing, pos.State)
}
