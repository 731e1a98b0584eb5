package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/chanpass/fulfillment/internal/model"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

// NotificationRepository 通知仓储接口
type NotificationRepository interface {
	Create(ctx context.Context, n *model.Notification) error
	GetByNotificationID(ctx context.Context, notificationID string) (*model.Notification, error)
	IncrementAttempt(ctx context.Context, notificationID string, now int64) error
	MarkSent(ctx context.Context, notificationID string, now int64) (bool, error)
	MarkFailed(ctx context.Context, notificationID, reason string, now int64) (bool, error)
}

type notificationRepository struct {
	*Repository
}

// NewNotificationRepository 创建通知仓储
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{Repository: NewRepository(db)}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	n.CreatedAt = nowMillis(n.CreatedAt)
	n.UpdatedAt = n.CreatedAt
	return r.DB(ctx).Create(n).Error
}

func (r *notificationRepository) GetByNotificationID(ctx context.Context, notificationID string) (*model.Notification, error) {
	var n model.Notification
	err := r.DB(ctx).Where("notification_id = ?", notificationID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bizerr.ErrNotificationNotFound.WithDetail("notification_id", notificationID)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *notificationRepository) IncrementAttempt(ctx context.Context, notificationID string, now int64) error {
	return r.DB(ctx).Model(&model.Notification{}).
		Where("notification_id = ?", notificationID).
		Updates(map[string]interface{}{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    nowMillis(now),
		}).Error
}

func (r *notificationRepository) MarkSent(ctx context.Context, notificationID string, now int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Notification{}).
		Where("notification_id = ? AND status IN ?", notificationID,
			[]model.NotificationStatus{model.NotificationStatusPending, model.NotificationStatusFailed}).
		Updates(map[string]interface{}{
			"status":     model.NotificationStatusSent,
			"sent_at":    now,
			"updated_at": now,
		})
	return result.RowsAffected > 0, result.Error
}

func (r *notificationRepository) MarkFailed(ctx context.Context, notificationID, reason string, now int64) (bool, error) {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	result := r.DB(ctx).Model(&model.Notification{}).
		Where("notification_id = ? AND status = ?", notificationID, model.NotificationStatusPending).
		Updates(map[string]interface{}{
			"status":        model.NotificationStatusFailed,
			"error_message": reason,
			"updated_at":    now,
		})
	return result.RowsAffected > 0, result.Error
}
