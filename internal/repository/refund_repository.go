package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/chanpass/fulfillment/internal/model"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

// ErrDuplicateRefund 订单已有退款记录
var ErrDuplicateRefund = errors.New("refund already exists for order")

// RefundRepository 退款记录仓储接口
type RefundRepository interface {
	Create(ctx context.Context, refund *model.RefundTransaction) error
	GetByRefundID(ctx context.Context, refundID string) (*model.RefundTransaction, error)
	GetByOrderID(ctx context.Context, orderID string) (*model.RefundTransaction, error)
	IncrementAttempt(ctx context.Context, refundID string, now int64) error
	MarkCompleted(ctx context.Context, refundID, txHash string, now int64) (bool, error)
	MarkFailed(ctx context.Context, refundID, reason string, now int64) (bool, error)
}

type refundRepository struct {
	*Repository
}

// NewRefundRepository 创建退款仓储
func NewRefundRepository(db *gorm.DB) RefundRepository {
	return &refundRepository{Repository: NewRepository(db)}
}

func (r *refundRepository) Create(ctx context.Context, refund *model.RefundTransaction) error {
	refund.CreatedAt = nowMillis(refund.CreatedAt)
	refund.UpdatedAt = refund.CreatedAt

	err := r.DB(ctx).Create(refund).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateRefund
	}
	return err
}

func (r *refundRepository) GetByRefundID(ctx context.Context, refundID string) (*model.RefundTransaction, error) {
	var refund model.RefundTransaction
	err := r.DB(ctx).Where("refund_id = ?", refundID).First(&refund).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bizerr.ErrRefundNotFound.WithDetail("refund_id", refundID)
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func (r *refundRepository) GetByOrderID(ctx context.Context, orderID string) (*model.RefundTransaction, error) {
	var refund model.RefundTransaction
	err := r.DB(ctx).Where("order_id = ?", orderID).First(&refund).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bizerr.ErrRefundNotFound.WithDetail("order_id", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func (r *refundRepository) IncrementAttempt(ctx context.Context, refundID string, now int64) error {
	return r.DB(ctx).Model(&model.RefundTransaction{}).
		Where("refund_id = ?", refundID).
		Updates(map[string]interface{}{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    nowMillis(now),
		}).Error
}

func (r *refundRepository) MarkCompleted(ctx context.Context, refundID, txHash string, now int64) (bool, error) {
	result := r.DB(ctx).Model(&model.RefundTransaction{}).
		Where("refund_id = ? AND status = ?", refundID, model.RefundStatusQueued).
		Updates(map[string]interface{}{
			"status":       model.RefundStatusCompleted,
			"tx_hash":      txHash,
			"completed_at": now,
			"updated_at":   now,
		})
	return result.RowsAffected > 0, result.Error
}

func (r *refundRepository) MarkFailed(ctx context.Context, refundID, reason string, now int64) (bool, error) {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	result := r.DB(ctx).Model(&model.RefundTransaction{}).
		Where("refund_id = ? AND status = ?", refundID, model.RefundStatusQueued).
		Updates(map[string]interface{}{
			"status":        model.RefundStatusFailed,
			"error_message": reason,
			"updated_at":    now,
		})
	return result.RowsAffected > 0, result.Error
}
