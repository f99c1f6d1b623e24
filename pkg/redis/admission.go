package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// AdmissionState 公平准入的用户状态。
type AdmissionState string

const (
	// AdmissionImmediate 处理槽有空位，直接准入。
	AdmissionImmediate AdmissionState = "IMMEDIATE"
	// AdmissionQueued 已按到达序号排队，等待轮转。
	AdmissionQueued AdmissionState = "QUEUED"
	// AdmissionProcessing 当前在处理集合中。
	AdmissionProcessing AdmissionState = "PROCESSING"
	// AdmissionDuplicate 用户已在排队或处理中，拒绝重复进入。
	AdmissionDuplicate AdmissionState = "DUPLICATE"
	// AdmissionNotFound 不在队列也不在处理集合。
	AdmissionNotFound AdmissionState = "NOT_FOUND"
)

// AdmissionResult 一次准入申请的结果。
type AdmissionResult struct {
	State    AdmissionState
	Sequence int64
}

// QueuePosition 排队状态查询结果，Position 为 1 起始的名次。
type QueuePosition struct {
	State    AdmissionState
	Position int64
	Sequence int64
}

// luaRequestEntry：准入申请必须整体原子，避免并发进入者互相竞争时状态撕裂。
// 处理集合是 score=租约截止时间 的 ZSET，进入前先清掉过期成员，
// 崩溃的 worker 最多占槽一个租约周期（替代心跳线程）。
const luaRequestEntry = `
local queueKey = KEYS[1]
local processingKey = KEYS[2]
local userId = ARGV[1]
local maxConcurrent = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local deadline = tonumber(ARGV[4])
local seq = tonumber(ARGV[5])
local ttlSec = tonumber(ARGV[6])

redis.call('ZREMRANGEBYSCORE', processingKey, '-inf', now)

if redis.call('ZSCORE', queueKey, userId) or redis.call('ZSCORE', processingKey, userId) then
  return 'DUPLICATE'
end

if redis.call('ZCARD', processingKey) < maxConcurrent then
  redis.call('ZADD', processingKey, deadline, userId)
  redis.call('EXPIRE', processingKey, ttlSec)
  return 'IMMEDIATE'
end

redis.call('ZADD', queueKey, seq, userId)
redis.call('EXPIRE', queueKey, ttlSec)
return 'QUEUED'
`

// luaCompleteProcessing：移出处理集合并轮转队首。
// 轮转严格按到达序号最小者，这是公平性保证所在。
const luaCompleteProcessing = `
local queueKey = KEYS[1]
local processingKey = KEYS[2]
local userId = ARGV[1]
local now = tonumber(ARGV[2])
local deadline = tonumber(ARGV[3])

redis.call('ZREM', processingKey, userId)
redis.call('ZREMRANGEBYSCORE', processingKey, '-inf', now)

local head = redis.call('ZRANGE', queueKey, 0, 0)
if #head > 0 then
  redis.call('ZREM', queueKey, head[1])
  redis.call('ZADD', processingKey, deadline, head[1])
  return head[1]
end
return false
`

// luaCleanupExpired：回收过期处理槽，并把空出的槽位按序补齐。
// 返回本轮被晋升的用户列表。
const luaCleanupExpired = `
local queueKey = KEYS[1]
local processingKey = KEYS[2]
local maxConcurrent = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local deadline = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', processingKey, '-inf', now)

local promoted = {}
while redis.call('ZCARD', processingKey) < maxConcurrent do
  local head = redis.call('ZRANGE', queueKey, 0, 0)
  if #head == 0 then
    break
  end
  redis.call('ZREM', queueKey, head[1])
  redis.call('ZADD', processingKey, deadline, head[1])
  promoted[#promoted + 1] = head[1]
end
return promoted
`

// RequestEntry 申请进入某商品的处理集合：
// 1. 先用全局计数器为 (user, product) 分配到达序号；
// 2. Lua 内原子判重、检查并发上限，有空位直接准入，否则按序号排队。
func RequestEntry(ctx context.Context, rdb *rd.Client, productID uint, userID int64, maxConcurrent int, queueTimeout, lease time.Duration) (AdmissionResult, error) {
	counterKey := AdmissionCounterKey(productID)
	seq, err := rdb.Incr(ctx, counterKey).Result()
	if err != nil {
		return AdmissionResult{}, fmt.Errorf("admission sequence: %w", err)
	}
	if seq == 1 {
		// 计数器生命周期比队列长一倍，避免活动中途序号归零破坏顺序。
		_ = rdb.Expire(ctx, counterKey, 2*queueTimeout).Err()
	}

	now := time.Now().UnixMilli()
	deadline := now + lease.Milliseconds()
	res, err := rdb.Eval(ctx, luaRequestEntry,
		[]string{AdmissionQueueKey(productID), AdmissionProcessingKey(productID)},
		userID, maxConcurrent, now, deadline, seq, int64(queueTimeout.Seconds()),
	).Text()
	if err != nil {
		return AdmissionResult{}, fmt.Errorf("admission entry: %w", err)
	}
	return AdmissionResult{State: AdmissionState(res), Sequence: seq}, nil
}

// CheckStatus 查询用户当前准入状态；排队中的 Position 为按序号的名次。
func CheckStatus(ctx context.Context, rdb *rd.Client, productID uint, userID int64) (QueuePosition, error) {
	member := strconv.FormatInt(userID, 10)
	processingKey := AdmissionProcessingKey(productID)

	score, err := rdb.ZScore(ctx, processingKey, member).Result()
	if err != nil && err != rd.Nil {
		return QueuePosition{}, err
	}
	if err == nil && score > float64(time.Now().UnixMilli()) {
		return QueuePosition{State: AdmissionProcessing}, nil
	}

	queueKey := AdmissionQueueKey(productID)
	seq, err := rdb.ZScore(ctx, queueKey, member).Result()
	if err == rd.Nil {
		return QueuePosition{State: AdmissionNotFound}, nil
	}
	if err != nil {
		return QueuePosition{}, err
	}
	rank, err := rdb.ZRank(ctx, queueKey, member).Result()
	if err != nil {
		if err == rd.Nil {
			return QueuePosition{State: AdmissionNotFound}, nil
		}
		return QueuePosition{}, err
	}
	return QueuePosition{State: AdmissionQueued, Position: rank + 1, Sequence: int64(seq)}, nil
}

// CompleteProcessing 释放准入槽并晋升队首。
// 返回被晋升的 userID；没有排队者时 promoted=0, ok=false。
func CompleteProcessing(ctx context.Context, rdb *rd.Client, productID uint, userID int64, lease time.Duration) (int64, bool, error) {
	now := time.Now().UnixMilli()
	res, err := rdb.Eval(ctx, luaCompleteProcessing,
		[]string{AdmissionQueueKey(productID), AdmissionProcessingKey(productID)},
		userID, now, now+lease.Milliseconds(),
	).Result()
	if err == rd.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("admission complete: %w", err)
	}
	s, ok := res.(string)
	if !ok {
		return 0, false, nil
	}
	next, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("admission complete: bad promoted member %q", s)
	}
	return next, true, nil
}

// Heartbeat 为处理中的用户续租约。长事务调用方周期性续期即可不被回收。
func Heartbeat(ctx context.Context, rdb *rd.Client, productID uint, userID int64, lease time.Duration) error {
	deadline := float64(time.Now().Add(lease).UnixMilli())
	return rdb.ZAddXX(ctx, AdmissionProcessingKey(productID), rd.Z{
		Score:  deadline,
		Member: strconv.FormatInt(userID, 10),
	}).Err()
}

// CleanupExpired 回收过期处理槽并补位，返回晋升的用户列表。
func CleanupExpired(ctx context.Context, rdb *rd.Client, productID uint, maxConcurrent int, lease time.Duration) ([]int64, error) {
	now := time.Now().UnixMilli()
	res, err := rdb.Eval(ctx, luaCleanupExpired,
		[]string{AdmissionQueueKey(productID), AdmissionProcessingKey(productID)},
		maxConcurrent, now, now+lease.Milliseconds(),
	).Result()
	if err != nil {
		if err == rd.Nil {
			return nil, nil
		}
		return nil, err
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	promoted := make([]int64, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		promoted = append(promoted, id)
	}
	return promoted, nil
}

// ProcessingCount 当前处理集合大小（含未过期成员）。
func ProcessingCount(ctx context.Context, rdb *rd.Client, productID uint) (int64, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return rdb.ZCount(ctx, AdmissionProcessingKey(productID), "("+now, "+inf").Result()
}
