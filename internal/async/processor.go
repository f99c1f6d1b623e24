// Package async 实现削峰用的异步批量下单:
// 请求先原子入队并留下可轮询的任务状态,后台按批取出、
// 经由同一条购买流水线执行,失败任务有限重试后进死信。
package async

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"seckill_engine/internal/metrics"
	"seckill_engine/internal/model"
	"seckill_engine/internal/queue"
	"seckill_engine/internal/seckill"
	rediskey "seckill_engine/pkg/redis"
)

// ErrQueueFull 商品队列已到容量上限,请求被立即拒绝。
var ErrQueueFull = errors.New("async queue full")

// 活跃商品集合:drain 循环只扫描有积压的队列。
const activeSetKey = "seckill:async:active"

// luaSubmit 容量检查 + 入队 + 初始状态写入,一次往返原子完成。
// KEYS[1] 商品队列 KEYS[2] 任务状态 KEYS[3] 活跃商品集合
// ARGV[1] 容量上限 ARGV[2] 任务载荷 ARGV[3] 状态 TTL(秒)
// ARGV[4] 任务 ID ARGV[5] 商品 ID
// 返回入队后的队列长度,満员返回 -1。
const luaSubmit = `
local depth = redis.call('LLEN', KEYS[1])
if depth >= tonumber(ARGV[1]) then
    return -1
end
redis.call('LPUSH', KEYS[1], ARGV[2])
redis.call('HSET', KEYS[2], 'task_id', ARGV[4], 'status', 'QUEUED', 'order_no', '', 'reason', '')
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[3]))
redis.call('SADD', KEYS[3], ARGV[5])
return depth + 1
`

// Task 队列里的一条异步下单任务。
type Task struct {
	TaskID     string                `json:"task_id"`
	RequestID  string                `json:"request_id"`
	Identity   model.RequestIdentity `json:"identity"`
	Quantity   int                   `json:"quantity"`
	Attempts   int                   `json:"attempts"`
	EnqueuedAt int64                 `json:"enqueued_at"`
}

// Config 批处理参数。
type Config struct {
	QueueCap      int           // 每商品队列容量上限
	BatchSize     int           // 每次 drain 单商品最多取走的任务数
	DrainInterval time.Duration // 主队列扫描间隔
	RetryInterval time.Duration // 重试队列回灌间隔
	MaxRetries    int           // 基础设施故障的最大重试次数
	StatusTTL     time.Duration // 任务状态保留时长
	WorkerCount   int           // 0 表示按 CPU 数推导
}

// Processor 异步批量下单处理器。
type Processor struct {
	rdb      *rd.Client
	pipeline *seckill.Pipeline
	producer *queue.Producer
	obs      metrics.Observer
	log      zerolog.Logger
	cfg      Config

	tasks  chan Task
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewProcessor(rdb *rd.Client, pipeline *seckill.Pipeline, producer *queue.Producer,
	obs metrics.Observer, log zerolog.Logger, cfg Config) *Processor {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.GOMAXPROCS(0) * 2
	}
	return &Processor{
		rdb:      rdb,
		pipeline: pipeline,
		producer: producer,
		obs:      obs,
		log:      log.With().Str("component", "async").Logger(),
		cfg:      cfg,
		tasks:    make(chan Task, cfg.WorkerCount*2),
	}
}

// Submit 原子入队一条任务并返回任务 ID,满员返回 ErrQueueFull。
// 任务状态立即可查(QUEUED),客户端凭任务 ID 轮询。
func (p *Processor) Submit(ctx context.Context, id model.RequestIdentity, quantity int, requestID string) (string, error) {
	if quantity <= 0 {
		quantity = 1
	}
	task := Task{
		TaskID:     newTaskID(id.UserID, id.ProductID),
		RequestID:  requestID,
		Identity:   id,
		Quantity:   quantity,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", err
	}

	depth, err := p.rdb.Eval(ctx, luaSubmit,
		[]string{rediskey.AsyncQueueKey(id.ProductID), rediskey.TaskStatusKey(task.TaskID), activeSetKey},
		p.cfg.QueueCap, payload, int(p.cfg.StatusTTL.Seconds()), task.TaskID, uint64(id.ProductID),
	).Int64()
	if err != nil {
		return "", err
	}
	if depth < 0 {
		return "", ErrQueueFull
	}
	p.obs.TaskTransition("queued")
	p.log.Debug().Str("task_id", task.TaskID).Int64("depth", depth).Msg("task queued")
	return task.TaskID, nil
}

// Status 查询任务状态。
func (p *Processor) Status(ctx context.Context, taskID string) (rediskey.TaskState, bool, error) {
	return rediskey.GetTaskState(ctx, p.rdb, taskID)
}

// Start 启动 worker 池与两条扫描循环。
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				p.runTask(ctx, task)
			}
		}()
	}

	p.wg.Add(2)
	go p.drainLoop(ctx)
	go p.retryLoop(ctx)
}

// Stop 停止扫描、排空在途任务后返回。
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Processor) drainLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(p.tasks)
			return
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

// drainOnce 扫一轮活跃商品,每个商品最多取走一个批次。
func (p *Processor) drainOnce(ctx context.Context) {
	products, err := p.rdb.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		p.log.Error().Err(err).Msg("scan active products")
		return
	}
	for _, product := range products {
		drained := p.drainQueue(ctx, "seckill:async:queue:"+product)
		if drained == 0 {
			if _, err := p.deactivate(ctx, product); err != nil {
				p.log.Error().Err(err).Str("product", product).Msg("deactivate queue")
			}
		}
	}
}

// luaDeactivate 队列确认为空才摘活跃标记。与 luaSubmit 的
// LPUSH+SADD 原子互斥,不会留下有积压却无标记的队列。
const luaDeactivate = `
if redis.call('LLEN', KEYS[1]) == 0 then
    redis.call('SREM', KEYS[2], ARGV[1])
    return 1
end
return 0
`

// deactivate 摘除一个商品的活跃标记,返回是否摘除。
func (p *Processor) deactivate(ctx context.Context, product string) (bool, error) {
	n, err := p.rdb.Eval(ctx, luaDeactivate,
		[]string{"seckill:async:queue:" + product, activeSetKey}, product).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// drainQueue 从一条队列按 FIFO 取走至多一个批次,返回取走数量。
func (p *Processor) drainQueue(ctx context.Context, key string) int {
	drained := 0
	for drained < p.cfg.BatchSize {
		payload, err := p.rdb.RPop(ctx, key).Result()
		if err != nil {
			if !errors.Is(err, rd.Nil) {
				p.log.Error().Err(err).Str("queue", key).Msg("pop task")
			}
			return drained
		}
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			p.log.Warn().Err(err).Str("queue", key).Msg("drop malformed task")
			continue
		}
		drained++
		p.dispatch(ctx, task)
	}
	return drained
}

// dispatch 把任务交给 worker 池;池忙时由调用方就地执行,
// 对上游形成天然背压而不是丢任务。
func (p *Processor) dispatch(ctx context.Context, task Task) {
	select {
	case p.tasks <- task:
	default:
		p.runTask(ctx, task)
	}
}

func (p *Processor) runTask(ctx context.Context, task Task) {
	if err := rediskey.PutTaskState(ctx, p.rdb, task.TaskID, rediskey.TaskProcessing, "", "", p.cfg.StatusTTL); err != nil {
		p.log.Error().Err(err).Str("task_id", task.TaskID).Msg("mark processing")
	}
	p.obs.TaskTransition("processing")

	out, err := p.pipeline.Purchase(ctx, seckill.Command{
		Identity:  task.Identity,
		Quantity:  task.Quantity,
		RequestID: task.RequestID,
		// 异步入口在提交时已过风控:派发与排队重试不再计频,
		// 也不要求资格令牌
		RequireToken: false,
		RiskChecked:  true,
	})
	switch {
	case err != nil:
		// 基础设施故障:有限重试,耗尽进死信
		p.handleInfraFailure(ctx, task, err)
	case out.Kind == seckill.OutcomeCreated:
		p.finish(ctx, task, rediskey.TaskSuccess, out.OrderNo, "")
	case out.Kind == seckill.OutcomeQueued:
		// 被公平准入排队:任务回到队列尾部等待下一轮
		p.requeue(ctx, task)
	default:
		p.finish(ctx, task, rediskey.TaskFailed, "", out.Reason)
	}
}

func (p *Processor) finish(ctx context.Context, task Task, status, orderNo, reason string) {
	if err := rediskey.PutTaskState(ctx, p.rdb, task.TaskID, status, orderNo, reason, p.cfg.StatusTTL); err != nil {
		p.log.Error().Err(err).Str("task_id", task.TaskID).Msg("record task outcome")
		return
	}
	if status == rediskey.TaskSuccess {
		p.obs.TaskTransition("success")
	} else {
		p.obs.TaskTransition("failed")
	}
}

func (p *Processor) requeue(ctx context.Context, task Task) {
	payload, err := json.Marshal(task)
	if err != nil {
		p.finish(ctx, task, rediskey.TaskFailed, "", err.Error())
		return
	}
	pipe := p.rdb.TxPipeline()
	pipe.LPush(ctx, rediskey.AsyncQueueKey(task.Identity.ProductID), payload)
	pipe.SAdd(ctx, activeSetKey, uint64(task.Identity.ProductID))
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Error().Err(err).Str("task_id", task.TaskID).Msg("requeue task")
		p.finish(ctx, task, rediskey.TaskFailed, "", "requeue failed")
		return
	}
	if err := rediskey.PutTaskState(ctx, p.rdb, task.TaskID, rediskey.TaskQueued, "", "", p.cfg.StatusTTL); err != nil {
		p.log.Error().Err(err).Str("task_id", task.TaskID).Msg("mark requeued")
	}
}

func (p *Processor) handleInfraFailure(ctx context.Context, task Task, cause error) {
	task.Attempts++
	if task.Attempts > p.cfg.MaxRetries {
		p.log.Warn().Err(cause).Str("task_id", task.TaskID).
			Int("attempts", task.Attempts).Msg("task retries exhausted, dead-lettering")
		p.deadLetter(ctx, task, cause)
		p.finish(ctx, task, rediskey.TaskFailed, "", fmt.Sprintf("retries exhausted: %v", cause))
		return
	}
	payload, err := json.Marshal(task)
	if err != nil {
		p.finish(ctx, task, rediskey.TaskFailed, "", err.Error())
		return
	}
	if err := p.rdb.LPush(ctx, rediskey.AsyncRetryKey(), payload).Err(); err != nil {
		p.log.Error().Err(err).Str("task_id", task.TaskID).Msg("push retry queue")
		p.finish(ctx, task, rediskey.TaskFailed, "", "retry enqueue failed")
		return
	}
	p.log.Warn().Err(cause).Str("task_id", task.TaskID).
		Int("attempt", task.Attempts).Msg("task failed, scheduled for retry")
}

func (p *Processor) deadLetter(ctx context.Context, task Task, cause error) {
	payload, err := json.Marshal(task)
	if err != nil {
		p.log.Error().Err(err).Str("task_id", task.TaskID).Msg("marshal dead letter")
		return
	}
	msg := kafka.Message{
		Topic: "async-tasks",
		Key:   []byte(task.TaskID),
		Value: payload,
	}
	if err := p.producer.PublishDeadLetter(ctx, msg, cause); err != nil {
		p.log.Error().Err(err).Str("task_id", task.TaskID).Msg("publish dead letter")
		return
	}
	p.obs.MessageDeadLettered("async-tasks")
}

// retryLoop 周期性把重试队列里的任务回灌主队列。
func (p *Processor) retryLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refillFromRetry(ctx)
		}
	}
}

func (p *Processor) refillFromRetry(ctx context.Context) {
	for i := 0; i < p.cfg.BatchSize; i++ {
		payload, err := p.rdb.RPop(ctx, rediskey.AsyncRetryKey()).Result()
		if err != nil {
			if !errors.Is(err, rd.Nil) {
				p.log.Error().Err(err).Msg("pop retry queue")
			}
			return
		}
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			p.log.Warn().Err(err).Msg("drop malformed retry task")
			continue
		}
		pipe := p.rdb.TxPipeline()
		pipe.LPush(ctx, rediskey.AsyncQueueKey(task.Identity.ProductID), payload)
		pipe.SAdd(ctx, activeSetKey, uint64(task.Identity.ProductID))
		if _, err := pipe.Exec(ctx); err != nil {
			p.log.Error().Err(err).Str("task_id", task.TaskID).Msg("refill task")
			return
		}
	}
}

func newTaskID(userID int64, productID uint) string {
	raw := uuid.New().String()
	return fmt.Sprintf("%d:%d:%d:%s", userID, productID, time.Now().UnixMilli(), raw[:8])
}
