package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"seckill_engine/internal/metrics"
)

// Handler 处理一条消息。返回错误触发重投,重试耗尽进死信。
type Handler func(ctx context.Context, m kafka.Message) error

// Consumer 带手动提交、有限重试和死信兜底的消费循环。
// 语义:处理成功或已转移(重投/死信)才提交 offset,
// 基础设施故障不提交,消息会被重新投递。
type Consumer struct {
	r          *kafka.Reader
	producer   *Producer
	handler    Handler
	maxRetries int
	topic      string
	obs        metrics.Observer
	log        zerolog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, producer *Producer,
	maxRetries int, handler Handler, obs metrics.Observer, log zerolog.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		producer:   producer,
		handler:    handler,
		maxRetries: maxRetries,
		topic:      topic,
		obs:        obs,
		log:        log.With().Str("component", "consumer").Str("topic", topic).Logger(),
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.log.Error().Err(err).Msg("fetch message")
			time.Sleep(300 * time.Millisecond)
			continue
		}

		if err := c.processOne(ctx, m); err != nil {
			// 重投/死信本身失败:不提交,等待重新投递
			c.log.Error().Err(err).Int64("offset", m.Offset).Msg("message not settled")
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Int64("offset", m.Offset).Msg("commit offset")
		}
	}
}

// processOne 处理并确定消息归宿。返回 nil 表示可以提交 offset。
func (c *Consumer) processOne(ctx context.Context, m kafka.Message) error {
	err := c.handler(ctx, m)
	if err == nil {
		return nil
	}

	retries := RetryCount(m)
	if retries >= c.maxRetries {
		c.log.Warn().Err(err).Str("key", string(m.Key)).
			Int("retries", retries).Msg("retries exhausted, dead-lettering")
		if derr := c.producer.PublishDeadLetter(ctx, m, err); derr != nil {
			return derr
		}
		c.obs.MessageDeadLettered(c.topic)
		return nil
	}
	c.log.Warn().Err(err).Str("key", string(m.Key)).
		Int("retry", retries+1).Msg("handler failed, republishing")
	return c.producer.PublishRetry(ctx, m)
}
