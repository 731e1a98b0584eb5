package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/chanpass/fulfillment/internal/model"
)

// DeadLetterRepository 入站死信仓储
type DeadLetterRepository interface {
	Create(ctx context.Context, dl *model.DeadLetter) error
	ListBySource(ctx context.Context, source string, limit int) ([]*model.DeadLetter, error)
}

type deadLetterRepository struct {
	*Repository
}

// NewDeadLetterRepository 创建死信仓储
func NewDeadLetterRepository(db *gorm.DB) DeadLetterRepository {
	return &deadLetterRepository{Repository: NewRepository(db)}
}

func (r *deadLetterRepository) Create(ctx context.Context, dl *model.DeadLetter) error {
	dl.CreatedAt = nowMillis(dl.CreatedAt)
	return r.DB(ctx).Create(dl).Error
}

func (r *deadLetterRepository) ListBySource(ctx context.Context, source string, limit int) ([]*model.DeadLetter, error) {
	var dls []*model.DeadLetter
	err := r.DB(ctx).
		Where("source = ?", source).
		Order("id DESC").
		Limit(limit).
		Find(&dls).Error
	return dls, err
}
