package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderTransitions(t *testing.T) {
	allowed := []struct{ from, to OrderStatus }{
		{OrderPending, OrderPaid},
		{OrderPending, OrderCancelled},
		{OrderPending, OrderExpired},
		{OrderPaid, OrderCompleted},
		{OrderPaid, OrderCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%d -> %d", tc.from, tc.to)
	}

	forbidden := []struct{ from, to OrderStatus }{
		{OrderPending, OrderCompleted},
		{OrderPaid, OrderExpired},
		{OrderCompleted, OrderCancelled},
		{OrderCancelled, OrderPaid},
		{OrderExpired, OrderPending},
		{OrderPaid, OrderPending},
	}
	for _, tc := range forbidden {
		assert.False(t, CanTransition(tc.from, tc.to), "%d -> %d", tc.from, tc.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, OrderPending.Terminal())
	assert.False(t, OrderPaid.Terminal())
	assert.True(t, OrderCompleted.Terminal())
	assert.True(t, OrderCancelled.Terminal())
	assert.True(t, OrderExpired.Terminal())
}

func TestProductWindowOpen(t *testing.T) {
	now := time.Now()
	p := Product{
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
		Status:    ProductOnline,
	}
	assert.True(t, p.WindowOpen(now))

	assert.False(t, p.WindowOpen(now.Add(-2*time.Hour)), "未开始")
	assert.False(t, p.WindowOpen(now.Add(2*time.Hour)), "已结束")

	p.Status = ProductHalted
	assert.False(t, p.WindowOpen(now), "紧急下架")
}
