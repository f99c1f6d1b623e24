package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *rd.Client {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestTryLockMutualExclusion(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()

	lock, err := TryLock(ctx, rdb, "stock:1", 100*time.Millisecond, time.Second)
	require.NoError(t, err)

	_, err = TryLock(ctx, rdb, "stock:1", 60*time.Millisecond, time.Second)
	assert.ErrorIs(t, err, ErrLockTimeout)

	ok, err := lock.Unlock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	lock2, err := TryLock(ctx, rdb, "stock:1", 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	_, _ = lock2.Unlock(ctx)
}

func TestUnlockOnlyByOwner(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()

	lock, err := TryLock(ctx, rdb, "stock:2", 100*time.Millisecond, time.Second)
	require.NoError(t, err)

	// 模拟租约过期后被他人接管
	require.NoError(t, rdb.Set(ctx, LockKey("stock:2"), "someone-else", time.Second).Err())

	ok, err := lock.Unlock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "迟到的 unlock 不得删除他人的锁")

	val, err := rdb.Get(ctx, LockKey("stock:2")).Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestWithLockReleasesOnError(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()

	wantErr := errors.New("business failed")
	err := WithLock(ctx, rdb, "stock:3", 100*time.Millisecond, time.Second, func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// fn 出错也必须释放锁
	lock, err := TryLock(ctx, rdb, "stock:3", 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	_, _ = lock.Unlock(ctx)
}

func TestWithLockHeldDuringFn(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()

	err := WithLock(ctx, rdb, "stock:4", 100*time.Millisecond, time.Second, func(ctx context.Context) error {
		_, err := TryLock(ctx, rdb, "stock:4", 60*time.Millisecond, time.Second)
		assert.ErrorIs(t, err, ErrLockTimeout)
		return nil
	})
	require.NoError(t, err)
}
