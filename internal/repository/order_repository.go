package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/chanpass/fulfillment/internal/model"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

// OrderRepository 订单仓储接口
type OrderRepository interface {
	Create(ctx context.Context, order *model.Order) error
	GetByOrderID(ctx context.Context, orderID string) (*model.Order, error)
	GetByOrderIDForUpdate(ctx context.Context, orderID string) (*model.Order, error)

	// TransitionStatus 条件更新：仅当当前状态属于 from 时更新，返回是否发生变更
	TransitionStatus(ctx context.Context, orderID string, from []model.OrderStatus, to model.OrderStatus, updates map[string]interface{}) (bool, error)
	// UpdateConfirmations 仅在确认数增加时更新
	UpdateConfirmations(ctx context.Context, orderID string, confirmations int, txHash string, now int64) error
	// ExpireUnpaid 批量将超时未支付订单置为 EXPIRED
	// picked 为本批选中的订单数，expired 为实际更新数 (并发支付可能使其更小)
	ExpireUnpaid(ctx context.Context, now int64, limit int) (picked int, expired int64, err error)

	CountByStatus(ctx context.Context) (map[model.OrderStatus]int64, error)
}

// orderRepository 订单仓储实现
type orderRepository struct {
	*Repository
}

// NewOrderRepository 创建订单仓储
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{Repository: NewRepository(db)}
}

func (r *orderRepository) Create(ctx context.Context, order *model.Order) error {
	order.CreatedAt = nowMillis(order.CreatedAt)
	order.UpdatedAt = order.CreatedAt

	err := r.DB(ctx).Create(order).Error
	if isDuplicateKeyError(err) {
		return bizerr.ErrAddressConflict.WithMessagef("order %s or its deposit address already exists", order.OrderID)
	}
	return err
}

func (r *orderRepository) GetByOrderID(ctx context.Context, orderID string) (*model.Order, error) {
	return r.get(r.DB(ctx), orderID)
}

func (r *orderRepository) GetByOrderIDForUpdate(ctx context.Context, orderID string) (*model.Order, error) {
	return r.get(forUpdate(r.DB(ctx)), orderID)
}

func (r *orderRepository) get(db *gorm.DB, orderID string) (*model.Order, error) {
	var order model.Order
	err := db.Where("order_id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bizerr.ErrOrderNotFound.WithDetail("order_id", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) TransitionStatus(ctx context.Context, orderID string, from []model.OrderStatus, to model.OrderStatus, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	if _, ok := values["updated_at"]; !ok {
		values["updated_at"] = nowMillis(0)
	}

	result := r.DB(ctx).Model(&model.Order{}).
		Where("order_id = ? AND status IN ?", orderID, from).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *orderRepository) UpdateConfirmations(ctx context.Context, orderID string, confirmations int, txHash string, now int64) error {
	updates := map[string]interface{}{
		"confirmations": confirmations,
		"updated_at":    nowMillis(now),
	}
	if txHash != "" {
		updates["tx_hash"] = txHash
	}
	return r.DB(ctx).Model(&model.Order{}).
		Where("order_id = ? AND confirmations < ?", orderID, confirmations).
		Updates(updates).Error
}

func (r *orderRepository) ExpireUnpaid(ctx context.Context, now int64, limit int) (int, int64, error) {
	// 先取一批 id 再更新，避免单条 UPDATE 锁住过多行
	var ids []string
	err := r.DB(ctx).Model(&model.Order{}).
		Where("status = ? AND expires_at <= ?", model.OrderStatusPendingPayment, now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("order_id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, 0, err
	}

	result := r.DB(ctx).Model(&model.Order{}).
		Where("order_id IN ? AND status = ?", ids, model.OrderStatusPendingPayment).
		Updates(map[string]interface{}{
			"status":     model.OrderStatusExpired,
			"updated_at": now,
		})
	return len(ids), result.RowsAffected, result.Error
}

func (r *orderRepository) CountByStatus(ctx context.Context) (map[model.OrderStatus]int64, error) {
	var rows []struct {
		Status model.OrderStatus
		Count  int64
	}
	err := r.DB(ctx).Model(&model.Order{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.OrderStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
