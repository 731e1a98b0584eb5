package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/chanpass/fulfillment/internal/model"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

// DisputeRepository 争议仓储接口
type DisputeRepository interface {
	Create(ctx context.Context, dispute *model.Dispute) error
	GetByDisputeID(ctx context.Context, disputeID string) (*model.Dispute, error)
	// GetOpenByOrderID 订单上未结束的争议
	GetOpenByOrderID(ctx context.Context, orderID string) (*model.Dispute, error)
	TransitionStatus(ctx context.Context, disputeID string, from []model.DisputeStatus, to model.DisputeStatus, updates map[string]interface{}) (bool, error)
}

type disputeRepository struct {
	*Repository
}

// NewDisputeRepository 创建争议仓储
func NewDisputeRepository(db *gorm.DB) DisputeRepository {
	return &disputeRepository{Repository: NewRepository(db)}
}

func (r *disputeRepository) Create(ctx context.Context, dispute *model.Dispute) error {
	dispute.CreatedAt = nowMillis(dispute.CreatedAt)
	dispute.UpdatedAt = dispute.CreatedAt
	return r.DB(ctx).Create(dispute).Error
}

func (r *disputeRepository) GetByDisputeID(ctx context.Context, disputeID string) (*model.Dispute, error) {
	var dispute model.Dispute
	err := r.DB(ctx).Where("dispute_id = ?", disputeID).First(&dispute).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bizerr.ErrDisputeNotFound.WithDetail("dispute_id", disputeID)
	}
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

func (r *disputeRepository) GetOpenByOrderID(ctx context.Context, orderID string) (*model.Dispute, error) {
	var dispute model.Dispute
	err := forUpdate(r.DB(ctx)).
		Where("order_id = ? AND status IN ?", orderID, model.OpenDisputeStatuses).
		First(&dispute).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bizerr.ErrDisputeNotFound.WithDetail("order_id", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

func (r *disputeRepository) TransitionStatus(ctx context.Context, disputeID string, from []model.DisputeStatus, to model.DisputeStatus, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	if _, ok := values["updated_at"]; !ok {
		values["updated_at"] = nowMillis(0)
	}

	result := r.DB(ctx).Model(&model.Dispute{}).
		Where("dispute_id = ? AND status IN ?", disputeID, from).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
