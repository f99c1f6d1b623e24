package queue

import (
	"context"
	"strconv"

	rd "github.com/redis/go-redis/v9"

	"seckill_engine/internal/model"
)

// Outbox 把订单创建事件写入 Redis Stream,由 Relay 异步转发 Kafka。
// 事件先落在与库存同一个 Redis 里,写入延迟不受 broker 抖动影响。
type Outbox struct {
	rdb    *rd.Client
	stream string
}

func NewOutbox(rdb *rd.Client, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream}
}

// OrderCreated 实现 seckill.EventSink。
func (o *Outbox) OrderCreated(ctx context.Context, order model.Order) error {
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		Values: map[string]interface{}{
			"order_no":   order.OrderNo,
			"request_id": order.RequestID,
			"product_id": strconv.FormatUint(uint64(order.ProductID), 10),
			"user_id":    strconv.FormatInt(order.UserID, 10),
			"quantity":   strconv.Itoa(order.Quantity),
			"amount":     strconv.FormatInt(order.Amount, 10),
			"created_at": strconv.FormatInt(order.CreatedAt.UnixMilli(), 10),
		},
	}).Err()
}
