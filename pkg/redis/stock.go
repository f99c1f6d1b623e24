package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaDecrStock：Redis 内原子「读库存 → 判断 ≥ 扣减量 → DECRBY」
// KEYS[1]=库存key，ARGV[1]=扣减数量；返回扣减后的值，不足则返回 -1
const luaDecrStock = `
local key = KEYS[1]
local decr = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', key) or '0')
if current >= decr then
  return redis.call('DECRBY', key, decr)
else
  return -1
end
`

// DecrementStock 条件扣减库存。返回 (扣减后的剩余量, 是否成功)。
// 失败（库存不足）时不产生任何变更，剩余量永不为负。
func DecrementStock(ctx context.Context, rdb *rd.Client, productID uint, qty int64) (int64, bool, error) {
	res, err := rdb.Eval(ctx, luaDecrStock, []string{StockKey(productID)}, qty).Int64()
	if err != nil {
		return 0, false, err
	}
	if res < 0 {
		return 0, false, nil
	}
	return res, true, nil
}

// IncrementStock 无条件回加库存（补偿路径）。
func IncrementStock(ctx context.Context, rdb *rd.Client, productID uint, qty int64) (int64, error) {
	return rdb.IncrBy(ctx, StockKey(productID), qty).Result()
}

// GetStock 读取当前 Redis 库存，key 不存在按 0 计。
func GetStock(ctx context.Context, rdb *rd.Client, productID uint) (int64, error) {
	val, err := rdb.Get(ctx, StockKey(productID)).Int64()
	if err == rd.Nil {
		return 0, nil
	}
	return val, err
}

// PreloadStock 将 DB 库存写入 Redis，供高并发扣减。
func PreloadStock(ctx context.Context, rdb *rd.Client, productID uint, stock int64, ttl time.Duration) error {
	return rdb.Set(ctx, StockKey(productID), stock, ttl).Err()
}

// luaCompensateStockOnce 通过 SETNX 锁保证“同一请求只回补一次”。
const luaCompensateStockOnce = `
local lockKey = KEYS[1]
local stockKey = KEYS[2]
local quantity = tonumber(ARGV[1])
local ttlSec = tonumber(ARGV[2])

if redis.call('SETNX', lockKey, '1') == 1 then
  redis.call('EXPIRE', lockKey, ttlSec)
  redis.call('INCRBY', stockKey, quantity)
  return 1
end
return 0
`

// CompensateStockOnce 幂等回补库存：
// - 首次回补返回 true
// - 重复回补返回 false（不会重复加库存）
func CompensateStockOnce(ctx context.Context, rdb *rd.Client, requestID string, productID uint, quantity int64) (bool, error) {
	lockKey := CompensationLockKey(requestID)
	stockKey := StockKey(productID)
	const lockTTLSeconds = int64((7 * 24 * time.Hour) / time.Second)

	n, err := rdb.Eval(ctx, luaCompensateStockOnce, []string{lockKey, stockKey}, quantity, lockTTLSeconds).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
