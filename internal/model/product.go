package model

import (
	"time"

	"gorm.io/gorm"
)

// ProductStatus 秒杀商品上下架状态。
type ProductStatus int

const (
	ProductOffline ProductStatus = iota // 未上架
	ProductOnline                       // 可秒杀
	ProductHalted                       // 紧急下架
)

// Product 秒杀商品：名称、库存、秒杀价、秒杀时间段、限购数量
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Stock 表示初始库存（来源于 DB）；秒杀实时扣减走 Redis。
	Name         string        `gorm:"size:128;not null" json:"name"`
	Stock        int64         `gorm:"not null;default:0" json:"stock"`
	SalePrice    int64         `gorm:"not null" json:"sale_price"` // 单位：分
	StartTime    time.Time     `gorm:"not null" json:"start_time"`
	EndTime      time.Time     `gorm:"not null" json:"end_time"`
	PerUserLimit int           `gorm:"not null;default:1" json:"per_user_limit"`
	Status       ProductStatus `gorm:"not null;default:1;index" json:"status"`
}

func (Product) TableName() string { return "products" }

// WindowOpen 判断 now 是否落在秒杀时间窗内且商品可售。
func (p Product) WindowOpen(now time.Time) bool {
	if p.Status != ProductOnline {
		return false
	}
	return !now.Before(p.StartTime) && !now.After(p.EndTime)
}
