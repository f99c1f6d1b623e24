package queue

import (
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// 消息头约定:消费失败重投时携带、递增 retry 计数。
const (
	headerRetryCount    = "x-retry-count"
	headerOriginalTopic = "x-original-topic"
)

// OrderEvent 订单创建事件。订单已在数据库落定,
// 事件只通知下游(支付、履约、通知),request_id 贯穿全链路。
type OrderEvent struct {
	OrderNo   string `json:"order_no"`
	RequestID string `json:"request_id"`
	ProductID uint   `json:"product_id"`
	UserID    int64  `json:"user_id"`
	Quantity  int    `json:"quantity"`
	Amount    int64  `json:"amount"` // 分
	CreatedAt int64  `json:"created_at"`
}

// Validate 做最小字段校验,防止下游处理脏消息。
func (m OrderEvent) Validate() error {
	if m.OrderNo == "" {
		return fmt.Errorf("order_no is required")
	}
	if m.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if m.ProductID == 0 {
		return fmt.Errorf("product_id is required")
	}
	if m.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	if m.Quantity <= 0 {
		return fmt.Errorf("quantity must be > 0")
	}
	if m.Amount <= 0 {
		return fmt.Errorf("amount must be > 0")
	}
	return nil
}

// 支付结果状态。
const (
	PaymentPaid      = "PAID"
	PaymentCancelled = "CANCELLED"
)

// PaymentResult 支付网关回写的结果事件,驱动订单状态机迁移。
type PaymentResult struct {
	OrderNo   string `json:"order_no"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	PaidAt    int64  `json:"paid_at,omitempty"`
}

func (m PaymentResult) Validate() error {
	if m.OrderNo == "" {
		return fmt.Errorf("order_no is required")
	}
	if m.Status != PaymentPaid && m.Status != PaymentCancelled {
		return fmt.Errorf("unknown payment status %q", m.Status)
	}
	return nil
}

// DeadLetter 是进入死信主题的信封:保留原始载荷与失败原因,
// 便于人工排查后重放。
type DeadLetter struct {
	OriginalTopic string `json:"original_topic"`
	Payload       string `json:"payload"`
	ErrorReason   string `json:"error_reason"`
	CorrelationID string `json:"correlation_id"`
	FailedAt      int64  `json:"failed_at"`
}

// RetryCount 读取消息已经历的重投次数,首投为 0。
func RetryCount(m kafka.Message) int {
	for _, h := range m.Headers {
		if h.Key == headerRetryCount {
			n, err := strconv.Atoi(string(h.Value))
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}

// withRetryCount 返回替换/追加了 retry 头的 header 列表。
func withRetryCount(headers []kafka.Header, count int) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key == headerRetryCount {
			continue
		}
		out = append(out, h)
	}
	return append(out, kafka.Header{
		Key:   headerRetryCount,
		Value: []byte(strconv.Itoa(count)),
	})
}

func nowUnixMilli() int64 { return time.Now().UnixMilli() }
