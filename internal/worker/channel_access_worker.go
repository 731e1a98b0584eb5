// Package worker 三个异步派发队列的消息处理器
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/metrics"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/queue"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// ChannelGateway 频道准入网关
// 限流和网络错误以 KindTransient 返回；Remove 对已不在频道的用户返回 nil
type ChannelGateway interface {
	Invite(ctx context.Context, userID, channelID string) error
	Remove(ctx context.Context, userID, channelID string) error
}

// SubscriptionActivator 邀请前确认订阅状态，邀请成功后激活订阅
type SubscriptionActivator interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	ActivateSubscription(ctx context.Context, subscriptionID string) error
}

// ChannelAccessHandler 处理频道准入队列
type ChannelAccessHandler struct {
	gateway   ChannelGateway
	activator SubscriptionActivator
}

// NewChannelAccessHandler 创建频道准入处理器
func NewChannelAccessHandler(gateway ChannelGateway, activator SubscriptionActivator) *ChannelAccessHandler {
	return &ChannelAccessHandler{gateway: gateway, activator: activator}
}

// Process 执行邀请或移除；重复投递时网关调用与激活均可重复执行
func (h *ChannelAccessHandler) Process(ctx context.Context, msg *queue.Message[model.ChannelOp]) error {
	op := msg.Payload
	if !op.Valid() {
		return bizerr.ErrMalformedPayload.
			WithDetail("message_id", msg.ID).
			WithDetail("action", string(op.Action))
	}

	switch op.Action {
	case model.ChannelActionAdd:
		if op.SubscriptionID != "" {
			grantable, err := h.grantable(ctx, msg)
			if err != nil || !grantable {
				return err
			}
		}
		if err := h.gateway.Invite(ctx, op.UserID, op.ChannelID); err != nil {
			return err
		}
		if op.SubscriptionID != "" {
			if err := h.activator.ActivateSubscription(ctx, op.SubscriptionID); err != nil {
				return err
			}
		}
		logger.Info("channel access granted",
			zap.String("subscription_id", op.SubscriptionID),
			zap.String("channel_id", op.ChannelID),
			zap.Int("attempt", msg.AttemptCount),
		)

	case model.ChannelActionRemove:
		if err := h.gateway.Remove(ctx, op.UserID, op.ChannelID); err != nil {
			return err
		}
		logger.Info("channel access revoked",
			zap.String("subscription_id", op.SubscriptionID),
			zap.String("channel_id", op.ChannelID),
			zap.String("reason", op.Reason),
		)
	}
	return nil
}

// grantable 订阅在排队期间可能已退款或取消，此时不再发出邀请
func (h *ChannelAccessHandler) grantable(ctx context.Context, msg *queue.Message[model.ChannelOp]) (bool, error) {
	op := msg.Payload
	sub, err := h.activator.GetSubscription(ctx, op.SubscriptionID)
	if err != nil {
		return false, err
	}
	switch sub.Status {
	case model.SubscriptionStatusPendingActivation, model.SubscriptionStatusActive:
		return true, nil
	}
	logger.Info("channel invite skipped",
		zap.String("subscription_id", op.SubscriptionID),
		zap.String("channel_id", op.ChannelID),
		zap.String("status", sub.Status.String()),
		zap.Int("attempt", msg.AttemptCount),
	)
	return false, nil
}

// Classify 错误分类
func (h *ChannelAccessHandler) Classify(err error) queue.Disposition {
	return queue.DefaultClassify(err)
}

// OnDeadLetter 准入变更最终失败，需要人工处理
func (h *ChannelAccessHandler) OnDeadLetter(_ context.Context, msg *queue.Message[model.ChannelOp], err error) {
	op := msg.Payload
	metrics.RecordSideEffectFailure("channel_access", string(op.Action))
	logger.Error("channel access change abandoned",
		zap.String("action", string(op.Action)),
		zap.String("subscription_id", op.SubscriptionID),
		zap.String("channel_id", op.ChannelID),
		zap.String("user_id", op.UserID),
		zap.Int("attempt", msg.AttemptCount),
		zap.Error(err),
	)
}
