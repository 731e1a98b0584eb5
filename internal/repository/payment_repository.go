package repository

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chanpass/fulfillment/internal/model"
)

// PaymentTransactionRepository 部分支付流水仓储
type PaymentTransactionRepository interface {
	// Insert 按 (order_id, tx_hash) 去重插入，重复时返回 false
	Insert(ctx context.Context, tx *model.PaymentTransaction) (bool, error)
	// RaiseConfirmations 确认数只增不减
	RaiseConfirmations(ctx context.Context, orderID, txHash string, confirmations int, now int64) error
	ListByOrder(ctx context.Context, orderID string) ([]*model.PaymentTransaction, error)
	// SumByOrder 订单已收金额
	SumByOrder(ctx context.Context, orderID string) (decimal.Decimal, error)
}

type paymentTransactionRepository struct {
	*Repository
}

// NewPaymentTransactionRepository 创建支付流水仓储
func NewPaymentTransactionRepository(db *gorm.DB) PaymentTransactionRepository {
	return &paymentTransactionRepository{Repository: NewRepository(db)}
}

func (r *paymentTransactionRepository) Insert(ctx context.Context, tx *model.PaymentTransaction) (bool, error) {
	tx.CreatedAt = nowMillis(tx.CreatedAt)
	tx.UpdatedAt = tx.CreatedAt

	// ON CONFLICT DO NOTHING 不会中断外层事务
	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}, {Name: "tx_hash"}},
		DoNothing: true,
	}).Create(tx)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *paymentTransactionRepository) RaiseConfirmations(ctx context.Context, orderID, txHash string, confirmations int, now int64) error {
	return r.DB(ctx).Model(&model.PaymentTransaction{}).
		Where("order_id = ? AND tx_hash = ? AND confirmations < ?", orderID, txHash, confirmations).
		Updates(map[string]interface{}{
			"confirmations": confirmations,
			"updated_at":    nowMillis(now),
		}).Error
}

func (r *paymentTransactionRepository) ListByOrder(ctx context.Context, orderID string) ([]*model.PaymentTransaction, error) {
	var txs []*model.PaymentTransaction
	err := r.DB(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&txs).Error
	return txs, err
}

// SumByOrder 在内存中用 decimal 求和，不依赖数据库的数值聚合精度
func (r *paymentTransactionRepository) SumByOrder(ctx context.Context, orderID string) (decimal.Decimal, error) {
	txs, err := r.ListByOrder(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	return sum, nil
}
