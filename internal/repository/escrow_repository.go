package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chanpass/fulfillment/internal/model"
)

// ErrEscrowReleaseNotFound 结算记录不存在
var ErrEscrowReleaseNotFound = errors.New("escrow release not found")

// EscrowRepository 托管结算仓储
type EscrowRepository interface {
	// CreateRelease 每个订阅只记录一次，重复时返回 false
	CreateRelease(ctx context.Context, release *model.EscrowRelease) (bool, error)
	GetReleaseBySubscriptionID(ctx context.Context, subscriptionID string) (*model.EscrowRelease, error)
}

type escrowRepository struct {
	*Repository
}

// NewEscrowRepository 创建托管结算仓储
func NewEscrowRepository(db *gorm.DB) EscrowRepository {
	return &escrowRepository{Repository: NewRepository(db)}
}

func (r *escrowRepository) CreateRelease(ctx context.Context, release *model.EscrowRelease) (bool, error) {
	release.CreatedAt = nowMillis(release.CreatedAt)

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscription_id"}},
		DoNothing: true,
	}).Create(release)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *escrowRepository) GetReleaseBySubscriptionID(ctx context.Context, subscriptionID string) (*model.EscrowRelease, error) {
	var release model.EscrowRelease
	err := r.DB(ctx).Where("subscription_id = ?", subscriptionID).First(&release).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEscrowReleaseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &release, nil
}
