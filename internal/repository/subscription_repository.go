package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chanpass/fulfillment/internal/model"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

// SubscriptionRepository 订阅仓储接口
type SubscriptionRepository interface {
	// CreateIfAbsent 按 order_id 幂等创建，已存在时返回 false
	CreateIfAbsent(ctx context.Context, sub *model.Subscription) (bool, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	GetByOrderID(ctx context.Context, orderID string) (*model.Subscription, error)

	TransitionStatus(ctx context.Context, subscriptionID string, from []model.SubscriptionStatus, to model.SubscriptionStatus, updates map[string]interface{}) (bool, error)

	// ListDueForExpiry 到期的 ACTIVE 订阅
	ListDueForExpiry(ctx context.Context, now int64, limit int) ([]*model.Subscription, error)
	// ListExpiringWithoutReminder 即将到期且未发送提醒的 ACTIVE 订阅
	ListExpiringWithoutReminder(ctx context.Context, from, to int64, limit int) ([]*model.Subscription, error)
	MarkReminderSent(ctx context.Context, subscriptionID string, now int64) (bool, error)
	// ListActiveChannels 存在 ACTIVE 订阅的频道
	ListActiveChannels(ctx context.Context) ([]string, error)
}

type subscriptionRepository struct {
	*Repository
}

// NewSubscriptionRepository 创建订阅仓储
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{Repository: NewRepository(db)}
}

func (r *subscriptionRepository) CreateIfAbsent(ctx context.Context, sub *model.Subscription) (bool, error) {
	sub.CreatedAt = nowMillis(sub.CreatedAt)
	sub.UpdatedAt = sub.CreatedAt

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoNothing: true,
	}).Create(sub)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *subscriptionRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.DB(ctx).Where("subscription_id = ?", subscriptionID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bizerr.ErrSubscriptionNotFound.WithDetail("subscription_id", subscriptionID)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepository) GetByOrderID(ctx context.Context, orderID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.DB(ctx).Where("order_id = ?", orderID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bizerr.ErrSubscriptionNotFound.WithDetail("order_id", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepository) TransitionStatus(ctx context.Context, subscriptionID string, from []model.SubscriptionStatus, to model.SubscriptionStatus, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	if _, ok := values["updated_at"]; !ok {
		values["updated_at"] = nowMillis(0)
	}

	result := r.DB(ctx).Model(&model.Subscription{}).
		Where("subscription_id = ? AND status IN ?", subscriptionID, from).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *subscriptionRepository) ListDueForExpiry(ctx context.Context, now int64, limit int) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	err := r.DB(ctx).
		Where("status = ? AND expires_at <= ?", model.SubscriptionStatusActive, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *subscriptionRepository) ListExpiringWithoutReminder(ctx context.Context, from, to int64, limit int) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	err := r.DB(ctx).
		Where("status = ? AND expires_at > ? AND expires_at <= ? AND reminder_sent_at = 0",
			model.SubscriptionStatusActive, from, to).
		Order("expires_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *subscriptionRepository) MarkReminderSent(ctx context.Context, subscriptionID string, now int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Subscription{}).
		Where("subscription_id = ? AND reminder_sent_at = 0", subscriptionID).
		Updates(map[string]interface{}{
			"reminder_sent_at": now,
			"updated_at":       now,
		})
	return result.RowsAffected > 0, result.Error
}

func (r *subscriptionRepository) ListActiveChannels(ctx context.Context) ([]string, error) {
	var channels []string
	err := r.DB(ctx).Model(&model.Subscription{}).
		Where("status = ?", model.SubscriptionStatusActive).
		Distinct("channel_id").
		Order("channel_id").
		Pluck("channel_id", &channels).Error
	return channels, err
}
