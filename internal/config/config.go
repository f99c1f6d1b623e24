package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
// 风控阈值与限流常量都是配置项而非契约，默认值来自线上经验值。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、订单事件/支付回执/死信 Topic、消费者组
	KafkaBrokers    []string
	OrderTopic      string
	PaymentTopic    string
	DeadLetterTopic string
	KafkaGroupID    string

	// Redis Stream outbox（流水线原子入流，Relay 异步转 Kafka）
	OrderEventStream   string
	OrderEventGroup    string
	OrderEventConsumer string

	// 购买接口限流与库存缓存策略
	BuyRateLimit  int
	BuyRateWindow time.Duration
	StockCacheTTL time.Duration

	// 公平准入：每商品并发上限、排队 TTL、处理槽租约
	MaxConcurrent   int
	QueueTimeout    time.Duration
	ProcessingLease time.Duration

	// 幂等窗口
	IdempotencyTTL time.Duration

	// 防刷：滑动窗口频次上限（user/ip/device）与行为日志阈值
	VelocityWindow      time.Duration
	UserVelocityLimit   int64
	IPVelocityLimit     int64
	DeviceVelocityLimit int64
	BehaviorWindow      time.Duration
	BehaviorLimit       int64

	// 资格令牌：签发频次与服务端签名盐
	TokenSecret         string
	TokenUserHourlyCap  int64
	TokenIPHourlyCap    int64
	ConsumedTokenLinger time.Duration

	// 异步批处理
	AsyncQueueCap   int64
	BatchSize       int
	DrainInterval   time.Duration
	RetryInterval   time.Duration
	AsyncMaxRetries int
	TaskStatusTTL   time.Duration
	WorkerCount     int

	// 订单超时关单与消息重试上限
	OrderExpiry    time.Duration
	SweepInterval  time.Duration
	MaxRetryCount  int

	// 预热与黑名单管理接口的简单管理员令牌（demo 级别保护）
	AdminToken string
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DBPath:             getEnv("DB_PATH", "seckill.db"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:            0,
		KafkaBrokers:       splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		OrderTopic:         getEnv("ORDER_TOPIC", "seckill-orders"),
		PaymentTopic:       getEnv("PAYMENT_TOPIC", "seckill-payment-results"),
		DeadLetterTopic:    getEnv("DEAD_LETTER_TOPIC", "seckill-dead-letter"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "seckill-engine"),
		OrderEventStream:   getEnv("ORDER_EVENT_STREAM", "seckill:order_events"),
		OrderEventGroup:    getEnv("ORDER_EVENT_GROUP", "seckill-relay-group"),
		OrderEventConsumer: getEnv("ORDER_EVENT_CONSUMER", "seckill-relay-1"),

		BuyRateLimit:  1000,
		BuyRateWindow: time.Second,
		StockCacheTTL: 24 * time.Hour,

		MaxConcurrent:   10,
		QueueTimeout:    5 * time.Minute,
		ProcessingLease: 30 * time.Second,

		IdempotencyTTL: 5 * time.Minute,

		VelocityWindow:      time.Minute,
		UserVelocityLimit:   3,
		IPVelocityLimit:     10,
		DeviceVelocityLimit: 5,
		BehaviorWindow:      5 * time.Minute,
		BehaviorLimit:       10,

		TokenSecret:         getEnv("TOKEN_SECRET", "dev-seckill-secret"),
		TokenUserHourlyCap:  5,
		TokenIPHourlyCap:    20,
		ConsumedTokenLinger: 5 * time.Minute,

		AsyncQueueCap:   10000,
		BatchSize:       100,
		DrainInterval:   time.Second,
		RetryInterval:   30 * time.Second,
		AsyncMaxRetries: 3,
		TaskStatusTTL:   30 * time.Minute,
		WorkerCount:     0, // 0 表示按可用并行度推导

		OrderExpiry:   30 * time.Minute,
		SweepInterval: time.Minute,
		MaxRetryCount: 3,

		AdminToken: getEnv("ADMIN_TOKEN", "dev-admin-token"),
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("BUY_RATE_LIMIT", cfg.BuyRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid BUY_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("BUY_RATE_LIMIT must be > 0")
	}
	cfg.BuyRateLimit = rateLimit

	maxConcurrent, err := getEnvInt("MAX_CONCURRENT", cfg.MaxConcurrent)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid MAX_CONCURRENT: %w", err)
	}
	if maxConcurrent <= 0 {
		return AppConfig{}, fmt.Errorf("MAX_CONCURRENT must be > 0")
	}
	cfg.MaxConcurrent = maxConcurrent

	batchSize, err := getEnvInt("BATCH_SIZE", cfg.BatchSize)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid BATCH_SIZE: %w", err)
	}
	if batchSize <= 0 {
		return AppConfig{}, fmt.Errorf("BATCH_SIZE must be > 0")
	}
	cfg.BatchSize = batchSize

	queueCap, err := getEnvInt("ASYNC_QUEUE_CAP", int(cfg.AsyncQueueCap))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid ASYNC_QUEUE_CAP: %w", err)
	}
	if queueCap <= 0 {
		return AppConfig{}, fmt.Errorf("ASYNC_QUEUE_CAP must be > 0")
	}
	cfg.AsyncQueueCap = int64(queueCap)

	workers, err := getEnvInt("WORKER_COUNT", cfg.WorkerCount)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid WORKER_COUNT: %w", err)
	}
	if workers < 0 {
		return AppConfig{}, fmt.Errorf("WORKER_COUNT must be >= 0")
	}
	cfg.WorkerCount = workers

	for name, d := range map[string]*time.Duration{
		"QUEUE_TIMEOUT_SEC":    &cfg.QueueTimeout,
		"PROCESSING_LEASE_SEC": &cfg.ProcessingLease,
		"IDEMPOTENCY_TTL_SEC":  &cfg.IdempotencyTTL,
		"ORDER_EXPIRY_SEC":     &cfg.OrderExpiry,
		"BUY_RATE_WINDOW_SEC":  &cfg.BuyRateWindow,
	} {
		sec, err := getEnvInt(name, int(d.Seconds()))
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid %s: %w", name, err)
		}
		if sec <= 0 {
			return AppConfig{}, fmt.Errorf("%s must be > 0", name)
		}
		*d = time.Duration(sec) * time.Second
	}

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.OrderTopic == "" || cfg.PaymentTopic == "" || cfg.DeadLetterTopic == "" {
		return AppConfig{}, fmt.Errorf("kafka topics must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if cfg.OrderEventStream == "" || cfg.OrderEventGroup == "" || cfg.OrderEventConsumer == "" {
		return AppConfig{}, fmt.Errorf("order event stream settings must not be empty")
	}
	if cfg.TokenSecret == "" {
		return AppConfig{}, fmt.Errorf("TOKEN_SECRET must not be empty")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
