package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seckill_engine/internal/metrics"
	"seckill_engine/internal/model"
	"seckill_engine/internal/seckill"
	rediskey "seckill_engine/pkg/redis"
)

// orderStoreStub 只承载支付结果处理需要的订单状态机。
type orderStoreStub struct {
	mu     sync.Mutex
	orders map[string]*model.Order
}

func newOrderStoreStub(orders ...model.Order) *orderStoreStub {
	s := &orderStoreStub{orders: make(map[string]*model.Order)}
	for i := range orders {
		o := orders[i]
		s.orders[o.OrderNo] = &o
	}
	return s
}

func (s *orderStoreStub) GetProduct(context.Context, uint) (model.Product, error) {
	return model.Product{}, seckill.ErrProductNotFound
}

func (s *orderStoreStub) CountPriorOrders(context.Context, int64, uint) (int64, error) {
	return 0, nil
}

func (s *orderStoreStub) CreateOrder(context.Context, *model.Order) error { return nil }

func (s *orderStoreStub) GetOrder(_ context.Context, orderNo string) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok {
		return model.Order{}, seckill.ErrOrderNotFound
	}
	return *o, nil
}

func (s *orderStoreStub) TransitionOrder(_ context.Context, orderNo string, from, to model.OrderStatus) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok || o.Status != from {
		return model.Order{}, seckill.ErrStaleTransition
	}
	o.Status = to
	return *o, nil
}

func (s *orderStoreStub) ExpiredPending(context.Context, time.Time, int) ([]model.Order, error) {
	return nil, nil
}

func (s *orderStoreStub) OnlineProducts(context.Context) ([]model.Product, error) {
	return nil, nil
}

func paymentMessage(t *testing.T, res PaymentResult) kafka.Message {
	t.Helper()
	b, err := json.Marshal(res)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(res.OrderNo), Value: b}
}

func pendingOrder() model.Order {
	return model.Order{
		OrderNo:   "SK100",
		RequestID: "req-100",
		UserID:    1,
		ProductID: 1,
		Quantity:  1,
		Amount:    9900,
		Status:    model.OrderPending,
	}
}

func TestPaymentPaidTransitionsOrder(t *testing.T) {
	rdb := newTestRedis(t)
	store := newOrderStoreStub(pendingOrder())
	h := NewPaymentHandler(store, rdb, metrics.Nop{}, zerolog.Nop())

	err := h.Handle(context.Background(), paymentMessage(t, PaymentResult{OrderNo: "SK100", Status: PaymentPaid}))
	require.NoError(t, err)

	o, err := store.GetOrder(context.Background(), "SK100")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, o.Status)
}

func TestPaymentCancelledCompensatesStock(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, rediskey.PreloadStock(ctx, rdb, 1, 10, time.Hour))

	store := newOrderStoreStub(pendingOrder())
	h := NewPaymentHandler(store, rdb, metrics.Nop{}, zerolog.Nop())

	msg := paymentMessage(t, PaymentResult{OrderNo: "SK100", Status: PaymentCancelled})
	require.NoError(t, h.Handle(ctx, msg))

	o, err := store.GetOrder(ctx, "SK100")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, o.Status)

	stock, err := rediskey.GetStock(ctx, rdb, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(11), stock)

	// 重复投递:状态已迁移,回补也不重复
	require.NoError(t, h.Handle(ctx, msg))
	stock, err = rediskey.GetStock(ctx, rdb, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(11), stock)
}

func TestPaymentStaleResultIgnored(t *testing.T) {
	rdb := newTestRedis(t)
	order := pendingOrder()
	order.Status = model.OrderPaid
	store := newOrderStoreStub(order)
	h := NewPaymentHandler(store, rdb, metrics.Nop{}, zerolog.Nop())

	// 订单已支付,迟到的支付结果直接吞掉
	err := h.Handle(context.Background(), paymentMessage(t, PaymentResult{OrderNo: "SK100", Status: PaymentPaid}))
	assert.NoError(t, err)
}

func TestPaymentMalformedMessage(t *testing.T) {
	rdb := newTestRedis(t)
	store := newOrderStoreStub()
	h := NewPaymentHandler(store, rdb, metrics.Nop{}, zerolog.Nop())

	err := h.Handle(context.Background(), kafka.Message{Value: []byte("not-json")})
	assert.Error(t, err)

	err = h.Handle(context.Background(), paymentMessage(t, PaymentResult{OrderNo: "SK1", Status: "REFUNDED"}))
	assert.Error(t, err)
}
