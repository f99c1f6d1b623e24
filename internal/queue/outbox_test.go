package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seckill_engine/internal/model"
)

func newTestRedis(t *testing.T) *rd.Client {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestOutboxRoundTrip(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	outbox := NewOutbox(rdb, "orders:stream")
	order := model.Order{
		OrderNo:   "SK42",
		RequestID: "req-42",
		UserID:    7,
		ProductID: 1,
		Quantity:  1,
		Amount:    9900,
		CreatedAt: time.Now(),
	}
	require.NoError(t, outbox.OrderCreated(ctx, order))

	msgs, err := rdb.XRange(ctx, "orders:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// relay 端必须能无损还原事件
	ev, err := parseOrderEvent(msgs[0].Values)
	require.NoError(t, err)
	assert.Equal(t, "SK42", ev.OrderNo)
	assert.Equal(t, "req-42", ev.RequestID)
	assert.Equal(t, uint(1), ev.ProductID)
	assert.Equal(t, int64(7), ev.UserID)
	assert.Equal(t, 1, ev.Quantity)
	assert.Equal(t, int64(9900), ev.Amount)
}

func TestParseOrderEventRejectsMalformed(t *testing.T) {
	_, err := parseOrderEvent(map[string]interface{}{
		"order_no": "SK1",
	})
	assert.Error(t, err)

	_, err = parseOrderEvent(map[string]interface{}{
		"order_no":   "SK1",
		"request_id": "req-1",
		"product_id": "not-a-number",
		"user_id":    "1",
		"quantity":   "1",
		"amount":     "100",
	})
	assert.Error(t, err)
}
