package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Producer 封装主主题与死信主题两个 Kafka 写入器。
type Producer struct {
	w   *kafka.Writer
	dlq *kafka.Writer
	log zerolog.Logger
}

// NewProducer 创建生产者并配置可靠性参数:
// - Hash + Key: 相同 key 尽量落到同一分区,保证单请求事件有序。
// - RequireAll: 等待 ISR 副本确认,降低消息丢失风险。
// - Completion: 异步批次的确认回调,失败批次必须留下日志。
func NewProducer(brokers []string, topic, deadLetterTopic string, log zerolog.Logger) *Producer {
	p := &Producer{log: log.With().Str("component", "producer").Logger()}
	p.w = p.newWriter(brokers, topic)
	p.dlq = p.newWriter(brokers, deadLetterTopic)
	return p
}

func (p *Producer) newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.log.Error().Err(err).Str("topic", topic).
					Int("batch", len(messages)).Msg("kafka batch not confirmed")
			}
		},
	}
}

// Close 释放 writer 资源。
func (p *Producer) Close() error {
	err := p.w.Close()
	if cerr := p.dlq.Close(); err == nil {
		err = cerr
	}
	return err
}

// PublishOrderEvent 同步写入一条订单创建事件。
// 使用 request_id 作为 Kafka key,同请求天然幂等标识。
func (p *Producer) PublishOrderEvent(ctx context.Context, ev OrderEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RequestID),
		Value: b,
	})
}

// PublishRetry 把一条消费失败的消息重投回原主题,retry 头加一。
func (p *Producer) PublishRetry(ctx context.Context, m kafka.Message) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Headers: withRetryCount(m.Headers, RetryCount(m)+1),
	})
}

// PublishDeadLetter 把重试耗尽的消息连同失败原因送入死信主题。
func (p *Producer) PublishDeadLetter(ctx context.Context, m kafka.Message, reason error) error {
	dl := DeadLetter{
		OriginalTopic: m.Topic,
		Payload:       string(m.Value),
		ErrorReason:   reason.Error(),
		CorrelationID: string(m.Key),
		FailedAt:      nowUnixMilli(),
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return p.dlq.WriteMessages(ctx, kafka.Message{
		Key:   m.Key,
		Value: b,
		Headers: []kafka.Header{{
			Key:   headerOriginalTopic,
			Value: []byte(m.Topic),
		}},
	})
}
