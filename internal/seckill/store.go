package seckill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"seckill_engine/internal/model"
)

var (
	// ErrProductNotFound 商品不存在。
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound 订单不存在。
	ErrOrderNotFound = errors.New("order not found")
	// ErrStaleTransition 状态迁移时订单不在期望的起始状态。
	ErrStaleTransition = errors.New("order not in expected status")
)

// OrderStore 是订单/商品持久层协作方的窄契约。
// 核心只依赖这几个操作，不关心底层是什么存储。
type OrderStore interface {
	// GetProduct 读取商品（秒杀窗口、限购数、状态）。
	GetProduct(ctx context.Context, productID uint) (model.Product, error)
	// CountPriorOrders 用户在该商品上已成立的订单数（限购校验用）。
	CountPriorOrders(ctx context.Context, userID int64, productID uint) (int64, error)
	// CreateOrder 落一条新订单。
	CreateOrder(ctx context.Context, order *model.Order) error
	// GetOrder 按订单号读取订单。
	GetOrder(ctx context.Context, orderNo string) (model.Order, error)
	// TransitionOrder 按状态机迁移订单；from 不匹配返回 ErrStaleTransition。
	TransitionOrder(ctx context.Context, orderNo string, from, to model.OrderStatus) (model.Order, error)
	// ExpiredPending 列出超时未支付的 pending 订单（关单扫描用）。
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Order, error)
	// OnlineProducts 列出可秒杀状态的商品（后台巡检用）。
	OnlineProducts(ctx context.Context) ([]model.Product, error)
}

// GormStore 基于 GORM 的 OrderStore 实现。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{db: db} }

func (s *GormStore) GetProduct(ctx context.Context, productID uint) (model.Product, error) {
	var p model.Product
	if err := s.db.WithContext(ctx).First(&p, productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Product{}, ErrProductNotFound
		}
		return model.Product{}, err
	}
	return p, nil
}

func (s *GormStore) CountPriorOrders(ctx context.Context, userID int64, productID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("user_id = ? AND product_id = ? AND status NOT IN ?", userID, productID,
			[]model.OrderStatus{model.OrderCancelled, model.OrderExpired}).
		Count(&n).Error
	return n, err
}

func (s *GormStore) CreateOrder(ctx context.Context, order *model.Order) error {
	return s.db.WithContext(ctx).Create(order).Error
}

func (s *GormStore) GetOrder(ctx context.Context, orderNo string) (model.Order, error) {
	var o model.Order
	if err := s.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Order{}, ErrOrderNotFound
		}
		return model.Order{}, err
	}
	return o, nil
}

// TransitionOrder 用条件更新做乐观并发控制：
// 只有订单仍处于 from 状态时才迁移，否则报 ErrStaleTransition。
func (s *GormStore) TransitionOrder(ctx context.Context, orderNo string, from, to model.OrderStatus) (model.Order, error) {
	if !model.CanTransition(from, to) {
		return model.Order{}, fmt.Errorf("illegal order transition %d -> %d", from, to)
	}
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("order_no = ? AND status = ?", orderNo, from).
		Update("status", to)
	if res.Error != nil {
		return model.Order{}, res.Error
	}
	if res.RowsAffected == 0 {
		return model.Order{}, ErrStaleTransition
	}
	var o model.Order
	if err := s.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&o).Error; err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func (s *GormStore) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Order, error) {
	var orders []model.Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND expire_at < ?", model.OrderPending, now).
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (s *GormStore) OnlineProducts(ctx context.Context) ([]model.Product, error) {
	var products []model.Product
	err := s.db.WithContext(ctx).
		Where("status = ?", model.ProductOnline).
		Find(&products).Error
	return products, err
}
