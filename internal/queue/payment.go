package queue

import (
	"context"
	"encoding/json"
	"fmt"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"seckill_engine/internal/metrics"
	"seckill_engine/internal/model"
	"seckill_engine/internal/seckill"
	rediskey "seckill_engine/pkg/redis"
)

// PaymentHandler 消费支付结果,驱动订单状态机:
// PAID → pending 转 paid;CANCELLED → pending 转 cancelled 并回补库存。
type PaymentHandler struct {
	store seckill.OrderStore
	rdb   *rd.Client
	obs   metrics.Observer
	log   zerolog.Logger
}

func NewPaymentHandler(store seckill.OrderStore, rdb *rd.Client, obs metrics.Observer, log zerolog.Logger) *PaymentHandler {
	return &PaymentHandler{
		store: store,
		rdb:   rdb,
		obs:   obs,
		log:   log.With().Str("component", "payment_handler").Logger(),
	}
}

// Handle 实现 Handler。脏消息返回错误走重试/死信,
// 迟到的重复结果(状态已迁移)当作成功吞掉。
func (h *PaymentHandler) Handle(ctx context.Context, m kafka.Message) error {
	var res PaymentResult
	if err := json.Unmarshal(m.Value, &res); err != nil {
		return fmt.Errorf("unmarshal payment result: %w", err)
	}
	if err := res.Validate(); err != nil {
		return fmt.Errorf("invalid payment result: %w", err)
	}

	switch res.Status {
	case PaymentPaid:
		_, err := h.store.TransitionOrder(ctx, res.OrderNo, model.OrderPending, model.OrderPaid)
		if err == seckill.ErrStaleTransition {
			h.log.Debug().Str("order_no", res.OrderNo).Msg("stale payment result, ignoring")
			return nil
		}
		return err
	case PaymentCancelled:
		order, err := h.store.TransitionOrder(ctx, res.OrderNo, model.OrderPending, model.OrderCancelled)
		if err == seckill.ErrStaleTransition {
			// 可能是上次迁移成功但回补前崩溃后的重投:
			// 只要订单确实已取消,就继续走幂等回补
			order, err = h.store.GetOrder(ctx, res.OrderNo)
			if err != nil {
				return err
			}
			if order.Status != model.OrderCancelled {
				h.log.Debug().Str("order_no", res.OrderNo).Msg("stale cancel result, ignoring")
				return nil
			}
		} else if err != nil {
			return err
		}
		// 幂等回补:同 request_id 重复消费也只补一次
		done, err := rediskey.CompensateStockOnce(ctx, h.rdb, order.RequestID, order.ProductID, int64(order.Quantity))
		if err != nil {
			return fmt.Errorf("compensate stock: %w", err)
		}
		if done {
			h.obs.StockCompensated()
			h.log.Info().Str("order_no", order.OrderNo).Msg("order cancelled, stock compensated")
		}
		return nil
	}
	return nil
}
