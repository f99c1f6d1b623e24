package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// TaskQueued 已入队，等待批处理器取走。
	TaskQueued = "QUEUED"
	// TaskProcessing 已被 worker 取走，正在执行下单流水线。
	TaskProcessing = "PROCESSING"
	// TaskSuccess 下单成功（终态）。
	TaskSuccess = "SUCCESS"
	// TaskFailed 下单失败（终态）。
	TaskFailed = "FAILED"
	// TaskNotFound 任务不存在或状态已过期。
	TaskNotFound = "NOT_FOUND"
)

// TaskState 对应 Redis 内的异步任务状态结构。
type TaskState struct {
	TaskID  string
	Status  string
	OrderNo string
	Reason  string
}

// GetTaskState 查询 taskID 当前状态。found=false 表示 key 不存在。
func GetTaskState(ctx context.Context, rdb *rd.Client, taskID string) (TaskState, bool, error) {
	key := TaskStatusKey(taskID)
	m, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return TaskState{}, false, err
	}
	if len(m) == 0 {
		return TaskState{}, false, nil
	}

	out := TaskState{
		TaskID:  taskID,
		Status:  m["status"],
		OrderNo: m["order_no"],
		Reason:  m["reason"],
	}
	if out.Status == "" {
		out.Status = TaskQueued
	}
	return out, true, nil
}

// PutTaskState 更新任务状态，并刷新 key TTL。
func PutTaskState(ctx context.Context, rdb *rd.Client, taskID, status, orderNo, reason string, ttl time.Duration) error {
	key := TaskStatusKey(taskID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"task_id", taskID,
		"status", status,
		"order_no", orderNo,
		"reason", reason,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
