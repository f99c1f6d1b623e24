package model

import (
	"time"

	"gorm.io/gorm"
)

// OrderStatus 订单状态机：pending → paid → completed，
// pending 还可以走 cancelled / expired 两个终态。
type OrderStatus int

const (
	OrderPending   OrderStatus = iota // 待支付
	OrderPaid                         // 已支付
	OrderCompleted                    // 已完成（发货/履约）
	OrderCancelled                    // 已取消（支付失败等）
	OrderExpired                      // 超时未支付
)

// orderTransitions 允许的状态迁移表。订单存储在外部协作方，
// 但允许哪些迁移由本核心裁决。
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending: {OrderPaid, OrderCancelled, OrderExpired},
	OrderPaid:    {OrderCompleted, OrderCancelled},
}

// CanTransition 判断 from → to 是否为合法迁移。
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal 判断状态是否为终态。
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// Order 秒杀订单。仅在条件扣减成功后创建；
// 除状态迁移外字段一经创建不再修改。
type Order struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderNo   string      `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	RequestID string      `gorm:"size:64;uniqueIndex;not null" json:"request_id"`
	UserID    int64       `gorm:"not null;index" json:"user_id"`
	ProductID uint        `gorm:"not null;index" json:"product_id"`
	Quantity  int         `gorm:"not null;default:1" json:"quantity"`
	Amount    int64       `gorm:"not null" json:"amount"` // 总金额，单位分
	Status    OrderStatus `gorm:"not null;default:0;index" json:"status"`
	ExpireAt  time.Time   `gorm:"not null;index" json:"expire_at"` // 超时未支付则关单
}

// 显式实现结构，确定表名
func (Order) TableName() string { return "orders" }
