package seckill

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"seckill_engine/internal/metrics"
	"seckill_engine/internal/model"
	"seckill_engine/internal/risk"
	"seckill_engine/internal/token"
	rediskey "seckill_engine/pkg/redis"
)

// Config 流水线运行参数。
type Config struct {
	MaxConcurrent   int
	QueueTimeout    time.Duration
	ProcessingLease time.Duration
	IdempotencyTTL  time.Duration
	LockWait        time.Duration
	LockLease       time.Duration
	OrderExpiry     time.Duration
}

// EventSink 下单成功后的事件出口（outbox），供支付/履约等下游消费。
type EventSink interface {
	OrderCreated(ctx context.Context, order model.Order) error
}

// Command 一次购买请求。RequestID 是整条链路的幂等主键。
type Command struct {
	Identity     model.RequestIdentity
	Quantity     int
	RequestID    string
	Token        string
	RequireToken bool
	// RiskChecked 表示风控已在入口判定通过（异步提交时）。
	// 引擎内部的重派不再评估，否则每轮派发都消耗用户的频次窗口，
	// 排队中的任务会被自己的重试逼成风控拒绝。
	RiskChecked bool
}

// Pipeline 把风控、幂等、令牌、公平准入、分布式锁、库存账本
// 组合成唯一的「尝试购买」操作，同步与异步入口共用。
type Pipeline struct {
	rdb    *rd.Client
	store  OrderStore
	gate   *risk.Gate
	tokens *token.Service
	sink   EventSink
	obs    metrics.Observer
	log    zerolog.Logger
	cfg    Config
}

func NewPipeline(rdb *rd.Client, store OrderStore, gate *risk.Gate, tokens *token.Service,
	sink EventSink, obs metrics.Observer, log zerolog.Logger, cfg Config) *Pipeline {
	return &Pipeline{
		rdb:    rdb,
		store:  store,
		gate:   gate,
		tokens: tokens,
		sink:   sink,
		obs:    obs,
		log:    log.With().Str("component", "pipeline").Logger(),
		cfg:    cfg,
	}
}

// Purchase 执行完整购买流水线。
// 返回 error 仅表示基础设施故障（ErrUnavailable 族）；
// 一切业务结局（成单/排队/拒绝）都在 Outcome 里。
func (p *Pipeline) Purchase(ctx context.Context, cmd Command) (Outcome, error) {
	if cmd.Quantity <= 0 {
		cmd.Quantity = 1
	}
	id := cmd.Identity

	// 1. 风控闸门：失败的请求不允许触碰锁与账本。
	// 入口已判定过的请求跳过，频次预算只按用户动作计，不按引擎重派计。
	dec := risk.Decision{Allowed: true}
	if !cmd.RiskChecked {
		var err error
		dec, err = p.gate.Evaluate(ctx, id)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: gate: %v", ErrUnavailable, err)
		}
		p.obs.RiskScore(dec.RiskScore)
		if !dec.Allowed {
			p.obs.PurchaseOutcome("risk_rejected")
			out := rejected(ReasonRiskRejected, dec.RiskScore)
			out.Reason = fmt.Sprintf("%s: %s", ReasonRiskRejected, dec.Reason)
			return out, nil
		}
	}

	// 2. 幂等预占：同一 (user, product, request) 只有首次能通过。
	// 存储不可用时 fail-closed，绝不放行。
	first, err := rediskey.CheckAndReserve(ctx, p.rdb, id.UserID, id.ProductID, cmd.RequestID, p.cfg.IdempotencyTTL)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: idempotency: %v", ErrUnavailable, err)
	}
	if !first {
		p.obs.PurchaseOutcome("duplicate")
		return rejected(ReasonDuplicate, dec.RiskScore), nil
	}

	// 3. 公平准入：已在处理集合的晋升者直接继续；
	// 新来者申请入场，满员则入队返回名次，由客户端轮询。
	admitted, out, err := p.admit(ctx, cmd, dec.RiskScore)
	if err != nil {
		p.releaseReservation(ctx, cmd)
		return Outcome{}, err
	}
	if !admitted {
		// 排队/重复入场都未产生持久副作用，放掉幂等标记以便后续重试
		p.releaseReservation(ctx, cmd)
		return out, nil
	}

	// 已占处理槽：无论后续成败都必须释放并轮转队首。
	// 脱离请求上下文执行，客户端断连不得让槽位悬到租约过期。
	success := false
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		promoted, ok, cerr := rediskey.CompleteProcessing(rctx, p.rdb, id.ProductID, id.UserID, p.cfg.ProcessingLease)
		if cerr != nil {
			p.log.Error().Err(cerr).Int64("user_id", id.UserID).Msg("release admission slot failed")
			return
		}
		if ok {
			p.obs.AdmissionPromoted(1)
			p.log.Debug().Int64("completed", id.UserID).Int64("promoted", promoted).
				Bool("success", success).Msg("admission slot rotated")
		}
	}()

	// 4. 可选资格令牌（同步入口要求，异步批处理入口免除）。
	// 放在准入之后消费：排队不烧令牌，晋升后重试同一令牌仍然有效。
	if cmd.RequireToken {
		ok, err := p.tokens.ValidateAndConsume(ctx, id.UserID, id.ProductID, cmd.Token, id.ClientIP)
		if err != nil {
			p.releaseReservation(ctx, cmd)
			return Outcome{}, fmt.Errorf("%w: token: %v", ErrUnavailable, err)
		}
		if !ok {
			p.releaseReservation(ctx, cmd)
			p.obs.PurchaseOutcome("token_rejected")
			return rejected(ReasonTokenInvalid, dec.RiskScore), nil
		}
	}

	out, err = p.execute(ctx, cmd, dec.RiskScore)
	success = err == nil && out.Kind == OutcomeCreated
	return out, err
}

// admit 处理第 3 步。admitted=true 表示调用方已持有处理槽。
func (p *Pipeline) admit(ctx context.Context, cmd Command, riskScore int) (bool, Outcome, error) {
	id := cmd.Identity
	status, err := rediskey.CheckStatus(ctx, p.rdb, id.ProductID, id.UserID)
	if err != nil {
		return false, Outcome{}, fmt.Errorf("%w: admission status: %v", ErrUnavailable, err)
	}
	switch status.State {
	case rediskey.AdmissionProcessing:
		// 此前排队后被晋升，本次请求续走后半段
		return true, Outcome{}, nil
	case rediskey.AdmissionQueued:
		p.obs.PurchaseOutcome("queued")
		return false, Outcome{
			Kind:          OutcomeQueued,
			QueuePosition: status.Position,
			Sequence:      status.Sequence,
			RiskScore:     riskScore,
		}, nil
	}

	res, err := rediskey.RequestEntry(ctx, p.rdb, id.ProductID, id.UserID,
		p.cfg.MaxConcurrent, p.cfg.QueueTimeout, p.cfg.ProcessingLease)
	if err != nil {
		return false, Outcome{}, fmt.Errorf("%w: admission entry: %v", ErrUnavailable, err)
	}
	switch res.State {
	case rediskey.AdmissionImmediate:
		return true, Outcome{}, nil
	case rediskey.AdmissionQueued:
		pos, err := rediskey.CheckStatus(ctx, p.rdb, id.ProductID, id.UserID)
		if err != nil {
			return false, Outcome{}, fmt.Errorf("%w: admission status: %v", ErrUnavailable, err)
		}
		p.obs.PurchaseOutcome("queued")
		return false, Outcome{
			Kind:          OutcomeQueued,
			QueuePosition: pos.Position,
			Sequence:      res.Sequence,
			RiskScore:     riskScore,
		}, nil
	default: // DUPLICATE
		p.obs.PurchaseOutcome("admission_duplicate")
		return false, rejected(ReasonAlreadyQueued, riskScore), nil
	}
}

// execute 已获准入后的后半段：复核 → 锁内扣减 → 落单 → 发事件。
func (p *Pipeline) execute(ctx context.Context, cmd Command, riskScore int) (Outcome, error) {
	id := cmd.Identity

	// 5. 复核权威状态：准入瞬间完成，但窗口/限购可能已经变化
	product, err := p.store.GetProduct(ctx, id.ProductID)
	if err != nil {
		if err == ErrProductNotFound {
			p.releaseReservation(ctx, cmd)
			p.obs.PurchaseOutcome("rejected")
			return rejected("product not found", riskScore), nil
		}
		p.releaseReservation(ctx, cmd)
		return Outcome{}, fmt.Errorf("%w: product: %v", ErrUnavailable, err)
	}
	if !product.WindowOpen(time.Now()) {
		p.releaseReservation(ctx, cmd)
		p.obs.PurchaseOutcome("window_closed")
		return rejected(ReasonWindowClosed, riskScore), nil
	}
	prior, err := p.store.CountPriorOrders(ctx, id.UserID, id.ProductID)
	if err != nil {
		p.releaseReservation(ctx, cmd)
		return Outcome{}, fmt.Errorf("%w: prior orders: %v", ErrUnavailable, err)
	}
	if prior >= int64(product.PerUserLimit) {
		p.releaseReservation(ctx, cmd)
		p.obs.PurchaseOutcome("limit_reached")
		return rejected(ReasonPurchaseLimit, riskScore), nil
	}

	// 6. 锁内条件扣减。扣减脚本本身原子，互斥锁再保证
	// 同一商品的复核-扣减不与其他实例交错。
	var stockOK bool
	lockErr := rediskey.WithLock(ctx, p.rdb, rediskey.StockLockKey(id.ProductID),
		p.cfg.LockWait, p.cfg.LockLease, func(ctx context.Context) error {
			_, ok, err := rediskey.DecrementStock(ctx, p.rdb, id.ProductID, int64(cmd.Quantity))
			if err != nil {
				return err
			}
			stockOK = ok
			return nil
		})
	if lockErr != nil {
		p.releaseReservation(ctx, cmd)
		if lockErr == rediskey.ErrLockTimeout {
			p.obs.PurchaseOutcome("lock_timeout")
			return rejected(ReasonLockBusy, riskScore), nil
		}
		return Outcome{}, fmt.Errorf("%w: stock decrement: %v", ErrUnavailable, lockErr)
	}
	if !stockOK {
		p.releaseReservation(ctx, cmd)
		p.obs.PurchaseOutcome("stock_short")
		return rejected(ReasonStockShort, riskScore), nil
	}

	// 7. 落单。失败必须立刻幂等回补库存（补偿），绝不留下已扣未单。
	now := time.Now()
	order := &model.Order{
		OrderNo:   newOrderNo(),
		RequestID: cmd.RequestID,
		UserID:    id.UserID,
		ProductID: id.ProductID,
		Quantity:  cmd.Quantity,
		Amount:    product.SalePrice * int64(cmd.Quantity),
		Status:    model.OrderPending,
		ExpireAt:  now.Add(p.cfg.OrderExpiry),
	}
	if err := p.store.CreateOrder(ctx, order); err != nil {
		// 本次调用内恰好一次扣减，直接回加即可；
		// 幂等计次的补偿留给关单路径（取消/超时可能被重复投递）
		if _, cerr := rediskey.IncrementStock(ctx, p.rdb, id.ProductID, int64(cmd.Quantity)); cerr != nil {
			p.log.Error().Err(cerr).Str("request_id", cmd.RequestID).Msg("stock compensation failed after create error")
		} else {
			p.obs.StockCompensated()
			p.log.Warn().Str("request_id", cmd.RequestID).Msg("order create failed, stock compensated")
		}
		p.releaseReservation(ctx, cmd)
		return Outcome{}, fmt.Errorf("%w: create order: %v", ErrUnavailable, err)
	}

	// 8. 发布订单创建事件（outbox）。订单已持久化，
	// 事件失败只记录一致性告警，由 relay 的 pending 机制兜底。
	if err := p.sink.OrderCreated(ctx, *order); err != nil {
		p.log.Error().Err(err).Str("order_no", order.OrderNo).Msg("order event publish failed")
	}

	p.obs.PurchaseOutcome("created")
	p.log.Info().Str("order_no", order.OrderNo).Int64("user_id", id.UserID).
		Uint("product_id", id.ProductID).Msg("order created")
	return Outcome{Kind: OutcomeCreated, OrderNo: order.OrderNo, RiskScore: riskScore}, nil
}

// AdmissionStatus 查询用户当前排队状态（轮询接口）。
func (p *Pipeline) AdmissionStatus(ctx context.Context, productID uint, userID int64) (rediskey.QueuePosition, error) {
	return rediskey.CheckStatus(ctx, p.rdb, productID, userID)
}

// releaseReservation 回收幂等标记：仅用于未产生持久副作用的失败/排队路径。
func (p *Pipeline) releaseReservation(ctx context.Context, cmd Command) {
	err := rediskey.ReleaseReservation(ctx, p.rdb, cmd.Identity.UserID, cmd.Identity.ProductID, cmd.RequestID)
	if err != nil {
		p.log.Warn().Err(err).Str("request_id", cmd.RequestID).Msg("release idempotency mark failed")
	}
}

func newOrderNo() string {
	return "SK" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}
