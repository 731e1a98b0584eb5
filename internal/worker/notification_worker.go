package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/metrics"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/queue"
	"github.com/chanpass/fulfillment/internal/repository"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// Publisher 将通知交给外部邮件服务
type Publisher interface {
	Publish(ctx context.Context, msg *model.NotificationMessage) error
}

// NotificationHandler 处理通知队列
type NotificationHandler struct {
	repo      repository.NotificationRepository
	publisher Publisher
	clock     clock.Clock
}

// NewNotificationHandler 创建通知处理器
func NewNotificationHandler(repo repository.NotificationRepository, publisher Publisher, clk clock.Clock) *NotificationHandler {
	return &NotificationHandler{repo: repo, publisher: publisher, clock: clk}
}

// Process 发布通知并标记已发送；已发送的通知直接确认
func (h *NotificationHandler) Process(ctx context.Context, msg *queue.Message[model.NotificationOp]) error {
	op := msg.Payload
	if op.NotificationID == "" {
		return bizerr.ErrMalformedPayload.WithDetail("message_id", msg.ID)
	}

	n, err := h.repo.GetByNotificationID(ctx, op.NotificationID)
	if err != nil {
		if bizerr.IsNotFound(err) {
			return bizerr.Fatal(err, "notification %s referenced by queue message does not exist", op.NotificationID)
		}
		return err
	}
	if n.Status == model.NotificationStatusSent {
		return nil
	}

	if err := h.repo.IncrementAttempt(ctx, n.NotificationID, clock.NowMillis(h.clock)); err != nil {
		return err
	}

	if err := h.publisher.Publish(ctx, &model.NotificationMessage{
		NotificationID: n.NotificationID,
		UserID:         n.UserID,
		Event:          n.Event,
		Title:          n.Title,
		Message:        n.Message,
		Metadata:       n.Metadata,
		CreatedAt:      n.CreatedAt,
	}); err != nil {
		return err
	}

	if _, err := h.repo.MarkSent(ctx, n.NotificationID, clock.NowMillis(h.clock)); err != nil {
		return err
	}
	logger.Debug("notification sent",
		zap.String("notification_id", n.NotificationID),
		zap.String("event", string(n.Event)),
	)
	return nil
}

// Classify 错误分类
func (h *NotificationHandler) Classify(err error) queue.Disposition {
	return queue.DefaultClassify(err)
}

// OnDeadLetter 标记发送失败
func (h *NotificationHandler) OnDeadLetter(ctx context.Context, msg *queue.Message[model.NotificationOp], err error) {
	op := msg.Payload
	metrics.RecordSideEffectFailure("notification", string(op.Event))
	logger.Warn("notification abandoned",
		zap.String("notification_id", op.NotificationID),
		zap.String("user_id", op.UserID),
		zap.Error(err),
	)
	if op.NotificationID == "" {
		return
	}
	if _, markErr := h.repo.MarkFailed(ctx, op.NotificationID, err.Error(), clock.NowMillis(h.clock)); markErr != nil {
		logger.Error("mark notification failed",
			zap.String("notification_id", op.NotificationID),
			zap.Error(markErr),
		)
	}
}
