package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// CheckAndReserve 原子创建幂等标记，返回 true 表示首次请求。
// 同一 (userID, productID, requestID) 在 TTL 窗口内只有一次能成功。
// 存储不可用时 fail-closed：返回错误由调用方按基础设施故障拒绝，
// 宁可拒绝合法重试也不放过重复下单。
func CheckAndReserve(ctx context.Context, rdb *rd.Client, userID int64, productID uint, requestID string, ttl time.Duration) (bool, error) {
	key := IdempotencyKey(userID, productID, requestID)
	return rdb.SetNX(ctx, key, time.Now().UnixMilli(), ttl).Result()
}

// ReleaseReservation 删除幂等标记。
// 仅用于“扣减前就失败、未产生任何持久副作用”的回滚场景，允许客户端重试。
func ReleaseReservation(ctx context.Context, rdb *rd.Client, userID int64, productID uint, requestID string) error {
	return rdb.Del(ctx, IdempotencyKey(userID, productID, requestID)).Err()
}
