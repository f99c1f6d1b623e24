package seckill

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"seckill_engine/internal/metrics"
	"seckill_engine/internal/model"
	rediskey "seckill_engine/pkg/redis"
)

// Sweeper 后台巡检:关闭超时未支付的订单并幂等回补库存,
// 同时回收崩溃 worker 占用的过期准入槽。
// 条件更新保证多实例同时扫描也只有一个实例完成迁移。
type Sweeper struct {
	store         OrderStore
	rdb           *rd.Client
	obs           metrics.Observer
	log           zerolog.Logger
	interval      time.Duration
	batch         int
	maxConcurrent int
	lease         time.Duration
}

func NewSweeper(store OrderStore, rdb *rd.Client, obs metrics.Observer, log zerolog.Logger,
	interval time.Duration, batch, maxConcurrent int, lease time.Duration) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:         store,
		rdb:           rdb,
		obs:           obs,
		log:           log.With().Str("component", "sweeper").Logger(),
		interval:      interval,
		batch:         batch,
		maxConcurrent: maxConcurrent,
		lease:         lease,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep expired orders")
			} else if n > 0 {
				s.log.Info().Int("expired", n).Msg("expired pending orders closed")
			}
			s.reclaimAdmission(ctx)
		}
	}
}

// reclaimAdmission 回收各在售商品的过期准入槽并按序补位。
func (s *Sweeper) reclaimAdmission(ctx context.Context) {
	products, err := s.store.OnlineProducts(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list online products")
		return
	}
	for _, p := range products {
		promoted, err := rediskey.CleanupExpired(ctx, s.rdb, p.ID, s.maxConcurrent, s.lease)
		if err != nil {
			s.log.Error().Err(err).Uint("product_id", p.ID).Msg("reclaim admission slots")
			continue
		}
		if len(promoted) > 0 {
			s.obs.AdmissionPromoted(len(promoted))
			s.log.Info().Uint("product_id", p.ID).Ints64("users", promoted).Msg("queued users promoted")
		}
	}
}

// SweepOnce 扫一轮超时 pending 订单,返回成功关闭的数量。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	orders, err := s.store.ExpiredPending(ctx, time.Now(), s.batch)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, o := range orders {
		if _, err := s.store.TransitionOrder(ctx, o.OrderNo, model.OrderPending, model.OrderExpired); err != nil {
			if err == ErrStaleTransition {
				// 别的实例抢先迁移了,跳过
				continue
			}
			s.log.Error().Err(err).Str("order_no", o.OrderNo).Msg("expire order")
			continue
		}
		// 库存回补复用下单链路的幂等补偿,同 request_id 只补一次
		done, err := rediskey.CompensateStockOnce(ctx, s.rdb, o.RequestID, o.ProductID, int64(o.Quantity))
		if err != nil {
			s.log.Error().Err(err).Str("order_no", o.OrderNo).Msg("compensate expired order stock")
			continue
		}
		if done {
			s.obs.StockCompensated()
		}
		closed++
	}
	return closed, nil
}
