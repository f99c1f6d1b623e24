package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// ErrLockTimeout 表示在 waitTime 内未能取得锁（明确失败，不挂起）。
var ErrLockTimeout = errors.New("acquire lock timeout")

// lockRetryInterval 抢锁失败后的固定重试间隔。
const lockRetryInterval = 50 * time.Millisecond

// luaUnlockIfOwner 仅当锁值匹配持有者随机值时才删除。
// 防止租约过期后，迟到的 unlock 误删别人新持有的锁。
const luaUnlockIfOwner = `
local lockKey = KEYS[1]
local owner = ARGV[1]
if redis.call('GET', lockKey) == owner then
  return redis.call('DEL', lockKey)
end
return 0
`

// Lock 是一次成功抢锁的持有凭证，owner 为本次抢锁的随机值。
type Lock struct {
	rdb   *rd.Client
	key   string
	owner string
}

// TryLock 以 SETNX+租约 方式抢占命名互斥锁：
// - 锁值为每次尝试生成的随机 owner，释放时做比对；
// - leaseTime 到期自动失效，持有者崩溃不会永久占锁；
// - 在 waitTime 内按固定间隔轮询，超时返回 ErrLockTimeout。
func TryLock(ctx context.Context, rdb *rd.Client, name string, waitTime, leaseTime time.Duration) (*Lock, error) {
	key := LockKey(name)
	owner := uuid.New().String()
	deadline := time.Now().Add(waitTime)

	for {
		ok, err := rdb.SetNX(ctx, key, owner, leaseTime).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{rdb: rdb, key: key, owner: owner}, nil
		}
		if time.Now().Add(lockRetryInterval).After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// Unlock 安全释放锁：仅 owner 匹配时删除。
// 返回 false 表示锁已过期或被其他持有者接管，此时不做任何删除。
func (l *Lock) Unlock(ctx context.Context) (bool, error) {
	n, err := l.rdb.Eval(ctx, luaUnlockIfOwner, []string{l.key}, l.owner).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// WithLock 在锁保护下执行 fn，所有退出路径（含 fn 出错）都保证释放。
// 业务结果通过 fn 的返回值传递，不用 panic 表达库存不足等业务失败。
func WithLock(ctx context.Context, rdb *rd.Client, name string, waitTime, leaseTime time.Duration, fn func(ctx context.Context) error) error {
	lock, err := TryLock(ctx, rdb, name, waitTime, leaseTime)
	if err != nil {
		return err
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_, _ = lock.Unlock(unlockCtx)
	}()
	return fn(ctx)
}
