package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/queue"
	"github.com/chanpass/fulfillment/internal/repository"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// Notifier 业务层发送通知的能力
type Notifier interface {
	Notify(ctx context.Context, req *NotifyRequest) (*model.Notification, error)
}

// NotifyRequest 通知请求
type NotifyRequest struct {
	UserID   string
	Event    model.NotificationEvent
	Title    string
	Message  string
	Metadata map[string]interface{}
}

// NotificationService 通知记录落库并投递到通知队列
// 渲染和发送由外部邮件服务负责
type NotificationService struct {
	repo  repository.NotificationRepository
	queue queue.Enqueuer[model.NotificationOp]
	clock clock.Clock
}

// NewNotificationService 创建通知服务
func NewNotificationService(
	repo repository.NotificationRepository,
	q queue.Enqueuer[model.NotificationOp],
	clk clock.Clock,
) *NotificationService {
	return &NotificationService{repo: repo, queue: q, clock: clk}
}

// Notify 记录通知并入队
// 入队失败时记录仍保留为 PENDING，返回错误由调用方决定是否忽略
func (s *NotificationService) Notify(ctx context.Context, req *NotifyRequest) (*model.Notification, error) {
	n := &model.Notification{
		NotificationID: uuid.NewString(),
		UserID:         req.UserID,
		Event:          req.Event,
		Title:          req.Title,
		Message:        req.Message,
		Metadata:       model.JSONMap(req.Metadata),
		Status:         model.NotificationStatusPending,
		CreatedAt:      clock.NowMillis(s.clock),
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	op := model.NotificationOp{
		NotificationID: n.NotificationID,
		UserID:         n.UserID,
		Event:          n.Event,
	}
	if _, err := s.queue.Enqueue(ctx, op); err != nil {
		return n, fmt.Errorf("enqueue notification %s: %w", n.NotificationID, err)
	}

	logger.Debug("notification queued",
		zap.String("notification_id", n.NotificationID),
		zap.String("user_id", n.UserID),
		zap.String("event", string(n.Event)),
	)
	return n, nil
}

// notifyBestEffort 通知失败只记日志
func notifyBestEffort(ctx context.Context, notifier Notifier, req *NotifyRequest, fields ...zap.Field) {
	if notifier == nil {
		return
	}
	if _, err := notifier.Notify(ctx, req); err != nil {
		fields = append(fields, zap.String("event", string(req.Event)), zap.Error(err))
		logger.Warn("send notification failed", fields...)
	}
}
