package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Relay 将 Redis Stream 里的订单事件异步转发到 Kafka。
// 语义:发布 Kafka 成功后才 ACK Stream,失败则保留消息等待重试。
type Relay struct {
	rdb      *rd.Client
	producer *Producer

	stream   string
	group    string
	consumer string
	log      zerolog.Logger
}

func NewRelay(rdb *rd.Client, producer *Producer, stream, group, consumer string, log zerolog.Logger) *Relay {
	return &Relay{
		rdb:      rdb,
		producer: producer,
		stream:   stream,
		group:    group,
		consumer: consumer,
		log:      log.With().Str("component", "relay").Logger(),
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error().Err(err).Msg("ensure stream group")
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// 先处理当前消费者的历史 pending,避免遗留消息长期堆积。
		msgs, err := r.readGroup(ctx, "0", 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Error().Err(err).Msg("read pending")
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", 2*time.Second)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				r.log.Error().Err(err).Msg("read new")
				time.Sleep(300 * time.Millisecond)
				continue
			}
		}

		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				// 发布失败不 ACK,消息会继续保留用于重试。
				r.log.Error().Err(err).Str("id", xm.ID).Msg("relay message")
				time.Sleep(200 * time.Millisecond)
				break
			}
		}
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	ev, err := parseOrderEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃,避免阻塞队列。
		r.log.Warn().Err(err).Str("id", xm.ID).Msg("drop malformed stream entry")
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.producer.PublishOrderEvent(pubCtx, ev); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseOrderEvent(values map[string]interface{}) (OrderEvent, error) {
	var ev OrderEvent
	var err error
	if ev.OrderNo, err = getStreamString(values, "order_no"); err != nil {
		return OrderEvent{}, err
	}
	if ev.RequestID, err = getStreamString(values, "request_id"); err != nil {
		return OrderEvent{}, err
	}
	productStr, err := getStreamString(values, "product_id")
	if err != nil {
		return OrderEvent{}, err
	}
	productID64, err := strconv.ParseUint(productStr, 10, 64)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("invalid product_id %q", productStr)
	}
	ev.ProductID = uint(productID64)

	userStr, err := getStreamString(values, "user_id")
	if err != nil {
		return OrderEvent{}, err
	}
	if ev.UserID, err = strconv.ParseInt(userStr, 10, 64); err != nil {
		return OrderEvent{}, fmt.Errorf("invalid user_id %q", userStr)
	}

	quantityStr, err := getStreamString(values, "quantity")
	if err != nil {
		return OrderEvent{}, err
	}
	if ev.Quantity, err = strconv.Atoi(quantityStr); err != nil {
		return OrderEvent{}, fmt.Errorf("invalid quantity %q", quantityStr)
	}

	amountStr, err := getStreamString(values, "amount")
	if err != nil {
		return OrderEvent{}, err
	}
	if ev.Amount, err = strconv.ParseInt(amountStr, 10, 64); err != nil {
		return OrderEvent{}, fmt.Errorf("invalid amount %q", amountStr)
	}

	if createdStr, cerr := getStreamString(values, "created_at"); cerr == nil {
		ev.CreatedAt, _ = strconv.ParseInt(createdStr, 10, 64)
	}

	if err := ev.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return ev, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
