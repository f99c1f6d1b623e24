package redis

import "fmt"

// StockKey 统一约定商品库存键名。
func StockKey(productID uint) string {
	return fmt.Sprintf("seckill:stock:%d", productID)
}

// CompensationLockKey 标记某个 request_id 是否已做过库存回补。
func CompensationLockKey(requestID string) string {
	return fmt.Sprintf("seckill:stock:compensated:%s", requestID)
}

// IdempotencyKey 将 (用户, 商品, 请求) 映射为幂等标记键。
func IdempotencyKey(userID int64, productID uint, requestID string) string {
	return fmt.Sprintf("seckill:idem:%d:%d:%s", userID, productID, requestID)
}

// LockKey 分布式互斥锁键名。
func LockKey(name string) string {
	return fmt.Sprintf("seckill:lock:%s", name)
}

// StockLockKey 某商品库存变更的互斥锁名。
func StockLockKey(productID uint) string {
	return fmt.Sprintf("stock:%d", productID)
}

// AdmissionQueueKey 公平排队 ZSET（score = 到达序号）。
func AdmissionQueueKey(productID uint) string {
	return fmt.Sprintf("seckill:admission:queue:%d", productID)
}

// AdmissionProcessingKey 处理中 ZSET（score = 租约截止时间戳）。
func AdmissionProcessingKey(productID uint) string {
	return fmt.Sprintf("seckill:admission:processing:%d", productID)
}

// AdmissionCounterKey 每个商品的全局递增序号计数器。
func AdmissionCounterKey(productID uint) string {
	return fmt.Sprintf("seckill:admission:seq:%d", productID)
}

// BlacklistKey 黑名单键，dimension ∈ {user, ip, device}。
func BlacklistKey(dimension, value string) string {
	return fmt.Sprintf("seckill:blacklist:%s:%s", dimension, value)
}

// VelocityKey 滑动窗口计数键，dimension ∈ {user, ip, device}。
func VelocityKey(dimension, value string) string {
	return fmt.Sprintf("seckill:velocity:%s:%s", dimension, value)
}

// BehaviorKey 用户行为时间戳滚动日志。
func BehaviorKey(userID int64) string {
	return fmt.Sprintf("seckill:behavior:%d", userID)
}

// TokenKey 资格令牌存储键（每个用户每个商品一枚）。
func TokenKey(userID int64, productID uint) string {
	return fmt.Sprintf("seckill:token:%d:%d", userID, productID)
}

// TokenIssueCountKey 令牌签发频率计数键。
func TokenIssueCountKey(dimension, value string) string {
	return fmt.Sprintf("seckill:token:issued:%s:%s", dimension, value)
}

// AsyncQueueKey 异步下单的每商品待处理队列。
func AsyncQueueKey(productID uint) string {
	return fmt.Sprintf("seckill:async:queue:%d", productID)
}

// AsyncRetryKey 异步下单失败重试队列（全局一条）。
func AsyncRetryKey() string {
	return "seckill:async:retry"
}

// TaskStatusKey 存储异步任务状态（queued/processing/success/failed）。
func TaskStatusKey(taskID string) string {
	return fmt.Sprintf("seckill:async:task:%s", taskID)
}
