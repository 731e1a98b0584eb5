package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/metrics"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/queue"
	"github.com/chanpass/fulfillment/internal/repository"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// OrderCreator 续费时创建新订单，由 OrderService 实现
type OrderCreator interface {
	Create(ctx context.Context, buyerID, listingID string) (*model.Order, error)
}

// EscrowReleaser 订阅到期后向商家结算
type EscrowReleaser interface {
	Release(ctx context.Context, sub *model.Subscription) (*model.EscrowRelease, error)
}

// SubscriptionServiceConfig 订阅服务配置
type SubscriptionServiceConfig struct {
	BatchSize    int
	ReminderLead time.Duration // 到期前多久发送续费提醒
}

// SubscriptionService 订阅生命周期
type SubscriptionService struct {
	subRepo      repository.SubscriptionRepository
	orderRepo    repository.OrderRepository
	listingRepo  repository.ListingRepository
	buyerRepo    repository.BuyerRepository
	channelQueue queue.Enqueuer[model.ChannelOp]
	orders       OrderCreator
	escrow       EscrowReleaser
	notifier     Notifier
	clock        clock.Clock
	cfg          SubscriptionServiceConfig
}

// NewSubscriptionService 创建订阅服务
func NewSubscriptionService(
	subRepo repository.SubscriptionRepository,
	orderRepo repository.OrderRepository,
	listingRepo repository.ListingRepository,
	buyerRepo repository.BuyerRepository,
	channelQueue queue.Enqueuer[model.ChannelOp],
	orders OrderCreator,
	escrow EscrowReleaser,
	notifier Notifier,
	clk clock.Clock,
	cfg *SubscriptionServiceConfig,
) *SubscriptionService {
	c := SubscriptionServiceConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.ReminderLead <= 0 {
		c.ReminderLead = 3 * 24 * time.Hour
	}
	return &SubscriptionService{
		subRepo:      subRepo,
		orderRepo:    orderRepo,
		listingRepo:  listingRepo,
		buyerRepo:    buyerRepo,
		channelQueue: channelQueue,
		orders:       orders,
		escrow:       escrow,
		notifier:     notifier,
		clock:        clk,
		cfg:          c,
	}
}

// CreateFromOrder 为已确认支付的订单创建订阅
// 幂等: 订单已有订阅时直接返回，不会重复发送频道邀请
func (s *SubscriptionService) CreateFromOrder(ctx context.Context, orderID string) (*model.Subscription, error) {
	sub, _, err := s.createFromOrder(ctx, orderID)
	return sub, err
}

// OnPaymentConfirmed 支付确认回调: 开通订阅并通知买家
func (s *SubscriptionService) OnPaymentConfirmed(ctx context.Context, order *model.Order) error {
	sub, dispatched, err := s.createFromOrder(ctx, order.OrderID)
	if err != nil {
		return err
	}
	if dispatched {
		notifyBestEffort(ctx, s.notifier, &NotifyRequest{
			UserID:  order.BuyerID,
			Event:   model.NotificationPaymentConfirmed,
			Title:   "Payment confirmed",
			Message: fmt.Sprintf("Payment for order %s is confirmed, channel access is on the way.", order.OrderID),
			Metadata: map[string]interface{}{
				"order_id":        order.OrderID,
				"subscription_id": sub.SubscriptionID,
				"amount":          order.Amount.String(),
				"currency":        string(order.Currency),
			},
		}, zap.String("order_id", order.OrderID))
	}
	return nil
}

// createFromOrder 返回订阅以及本次是否派发了邀请
func (s *SubscriptionService) createFromOrder(ctx context.Context, orderID string) (*model.Subscription, bool, error) {
	order, err := s.orderRepo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.subRepo.GetByOrderID(ctx, orderID)
	if err == nil {
		if order.Status != model.OrderStatusPaymentConfirmed {
			return existing, false, nil
		}
		// 订阅已落库但邀请/订单推进未完成，补齐
		if err := s.dispatchActivation(ctx, order, existing); err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	if !bizerr.IsNotFound(err) {
		return nil, false, err
	}

	if order.Status != model.OrderStatusPaymentConfirmed {
		return nil, false, bizerr.ErrInvalidOrderState.
			WithDetail("order_id", orderID).
			WithDetail("status", order.Status.String())
	}

	listing, err := s.listingRepo.GetByListingID(ctx, order.ListingID)
	if err != nil {
		return nil, false, err
	}
	buyer, err := s.buyerRepo.GetByBuyerID(ctx, order.BuyerID)
	if err != nil {
		return nil, false, err
	}

	now := s.clock.Now()
	sub := &model.Subscription{
		SubscriptionID: uuid.NewString(),
		BuyerID:        order.BuyerID,
		ListingID:      order.ListingID,
		OrderID:        order.OrderID,
		ChannelID:      listing.ChannelID,
		MemberID:       buyer.TelegramUserID,
		Status:         model.SubscriptionStatusPendingActivation,
		DurationDays:   listing.DurationDays,
		StartAt:        now.UnixMilli(),
		ExpiresAt:      now.Add(time.Duration(listing.DurationDays) * 24 * time.Hour).UnixMilli(),
		CreatedAt:      now.UnixMilli(),
	}

	created, err := s.subRepo.CreateIfAbsent(ctx, sub)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// 并发创建，另一方负责派发邀请
		existing, err := s.subRepo.GetByOrderID(ctx, orderID)
		return existing, false, err
	}

	metrics.RecordSubscriptionTransition(model.SubscriptionStatusPendingActivation.String())
	logger.Info("subscription created",
		zap.String("subscription_id", sub.SubscriptionID),
		zap.String("order_id", orderID),
		zap.String("channel_id", sub.ChannelID),
		zap.Int64("expires_at", sub.ExpiresAt),
	)

	if err := s.dispatchActivation(ctx, order, sub); err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// dispatchActivation 派发频道邀请，然后将订单推进到 SUBSCRIPTION_ACTIVE
func (s *SubscriptionService) dispatchActivation(ctx context.Context, order *model.Order, sub *model.Subscription) error {
	_, err := s.channelQueue.Enqueue(ctx, model.ChannelOp{
		Action:         model.ChannelActionAdd,
		UserID:         sub.MemberID,
		ChannelID:      sub.ChannelID,
		SubscriptionID: sub.SubscriptionID,
	})
	if err != nil {
		return bizerr.Transient(err, "enqueue channel invite for subscription %s", sub.SubscriptionID)
	}

	ok, err := s.orderRepo.TransitionStatus(ctx, order.OrderID,
		[]model.OrderStatus{model.OrderStatusPaymentConfirmed},
		model.OrderStatusSubscriptionActive,
		map[string]interface{}{"updated_at": clock.NowMillis(s.clock)})
	if err != nil {
		return err
	}
	if ok {
		order.Status = model.OrderStatusSubscriptionActive
		metrics.RecordOrderTransition(model.OrderStatusSubscriptionActive.String(), 1)
	}
	return nil
}

// ActivateSubscription 频道邀请成功后 PENDING_ACTIVATION -> ACTIVE，重复调用无副作用
func (s *SubscriptionService) ActivateSubscription(ctx context.Context, subscriptionID string) error {
	now := clock.NowMillis(s.clock)
	ok, err := s.subRepo.TransitionStatus(ctx, subscriptionID,
		[]model.SubscriptionStatus{model.SubscriptionStatusPendingActivation},
		model.SubscriptionStatusActive,
		map[string]interface{}{"activated_at": now, "updated_at": now})
	if err != nil {
		return err
	}

	sub, err := s.subRepo.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !ok {
		if sub.Status == model.SubscriptionStatusActive {
			return nil
		}
		return bizerr.ErrInvalidSubscriptionState.
			WithDetail("subscription_id", subscriptionID).
			WithDetail("status", sub.Status.String())
	}

	metrics.RecordSubscriptionTransition(model.SubscriptionStatusActive.String())
	notifyBestEffort(ctx, s.notifier, &NotifyRequest{
		UserID:  sub.BuyerID,
		Event:   model.NotificationSubscriptionActive,
		Title:   "Subscription active",
		Message: "Your channel subscription is now active.",
		Metadata: map[string]interface{}{
			"subscription_id": sub.SubscriptionID,
			"channel_id":      sub.ChannelID,
			"expires_at":      sub.ExpiresAt,
		},
	}, zap.String("subscription_id", subscriptionID))
	return nil
}

// ExpireSubscriptions 将到期的 ACTIVE 订阅置为 EXPIRED
// 状态变更为准，移出频道与商家结算失败只记录日志，由各自的重试机制补偿
func (s *SubscriptionService) ExpireSubscriptions(ctx context.Context) (int, error) {
	now := clock.NowMillis(s.clock)
	total := 0
	for {
		subs, err := s.subRepo.ListDueForExpiry(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return total, err
		}

		expired := 0
		for _, sub := range subs {
			ok, err := s.subRepo.TransitionStatus(ctx, sub.SubscriptionID,
				[]model.SubscriptionStatus{model.SubscriptionStatusActive},
				model.SubscriptionStatusExpired,
				map[string]interface{}{"ended_at": now, "updated_at": now})
			if err != nil {
				logger.Error("expire subscription failed",
					zap.String("subscription_id", sub.SubscriptionID),
					zap.Error(err),
				)
				continue
			}
			if !ok {
				continue
			}
			expired++
			sub.Status = model.SubscriptionStatusExpired
			sub.EndedAt = now
			metrics.RecordSubscriptionTransition(model.SubscriptionStatusExpired.String())
			s.afterExpiry(ctx, sub)
		}
		total += expired

		if len(subs) < s.cfg.BatchSize || expired == 0 {
			break
		}
	}

	if total > 0 {
		logger.Info("subscriptions expired", zap.Int("count", total))
	}
	return total, nil
}

func (s *SubscriptionService) afterExpiry(ctx context.Context, sub *model.Subscription) {
	if err := s.enqueueRemoval(ctx, sub, "subscription expired"); err != nil {
		metrics.RecordSideEffectFailure("expire_subscription", "channel_remove")
		logger.Error("enqueue channel removal failed",
			zap.String("subscription_id", sub.SubscriptionID),
			zap.Error(err),
		)
	}

	if s.escrow != nil {
		if _, err := s.escrow.Release(ctx, sub); err != nil {
			metrics.RecordSideEffectFailure("expire_subscription", "escrow_release")
			logger.Error("escrow release failed",
				zap.String("subscription_id", sub.SubscriptionID),
				zap.String("order_id", sub.OrderID),
				zap.Error(err),
			)
		}
	}

	notifyBestEffort(ctx, s.notifier, &NotifyRequest{
		UserID:  sub.BuyerID,
		Event:   model.NotificationSubscriptionExpired,
		Title:   "Subscription expired",
		Message: "Your channel subscription has expired.",
		Metadata: map[string]interface{}{
			"subscription_id": sub.SubscriptionID,
			"listing_id":      sub.ListingID,
		},
	}, zap.String("subscription_id", sub.SubscriptionID))
}

func (s *SubscriptionService) enqueueRemoval(ctx context.Context, sub *model.Subscription, reason string) error {
	_, err := s.channelQueue.Enqueue(ctx, model.ChannelOp{
		Action:         model.ChannelActionRemove,
		UserID:         sub.MemberID,
		ChannelID:      sub.ChannelID,
		SubscriptionID: sub.SubscriptionID,
		Reason:         reason,
	})
	return err
}

// GetSubscription 查询订阅
func (s *SubscriptionService) GetSubscription(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	return s.subRepo.GetBySubscriptionID(ctx, subscriptionID)
}

// IsEligibleForRenewal 续费资格
func (s *SubscriptionService) IsEligibleForRenewal(ctx context.Context, subscriptionID string) (bool, error) {
	sub, err := s.subRepo.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	return sub.IsEligibleForRenewal(s.clock.Now()), nil
}

// RenewSubscription 续费: 为同一商品和买家创建新订单，原订阅不变
func (s *SubscriptionService) RenewSubscription(ctx context.Context, subscriptionID string) (*model.Order, error) {
	sub, err := s.subRepo.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.IsEligibleForRenewal(s.clock.Now()) {
		return nil, bizerr.ErrNotEligibleForRenewal.
			WithDetail("subscription_id", subscriptionID).
			WithDetail("status", sub.Status.String())
	}

	listing, err := s.listingRepo.GetByListingID(ctx, sub.ListingID)
	if err != nil {
		return nil, err
	}
	if !listing.IsActive() {
		return nil, bizerr.ErrListingInactive.WithDetail("listing_id", sub.ListingID)
	}

	order, err := s.orders.Create(ctx, sub.BuyerID, sub.ListingID)
	if err != nil {
		return nil, err
	}
	logger.Info("subscription renewal order created",
		zap.String("subscription_id", subscriptionID),
		zap.String("order_id", order.OrderID),
	)
	return order, nil
}

// MarkRefunded 订阅转为 REFUNDED，重复调用无副作用
func (s *SubscriptionService) MarkRefunded(ctx context.Context, subscriptionID string) error {
	now := clock.NowMillis(s.clock)
	ok, err := s.subRepo.TransitionStatus(ctx, subscriptionID,
		model.SubscriptionStatusesFrom(model.SubscriptionStatusRefunded),
		model.SubscriptionStatusRefunded,
		map[string]interface{}{"updated_at": now})
	if err != nil {
		return err
	}
	if ok {
		metrics.RecordSubscriptionTransition(model.SubscriptionStatusRefunded.String())
		return nil
	}

	sub, err := s.subRepo.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == model.SubscriptionStatusRefunded {
		return nil
	}
	return bizerr.ErrInvalidSubscriptionState.
		WithDetail("subscription_id", subscriptionID).
		WithDetail("status", sub.Status.String())
}

// CancelSubscription 取消订阅并移出频道
func (s *SubscriptionService) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	now := clock.NowMillis(s.clock)
	ok, err := s.subRepo.TransitionStatus(ctx, subscriptionID,
		model.SubscriptionStatusesFrom(model.SubscriptionStatusCancelled),
		model.SubscriptionStatusCancelled,
		map[string]interface{}{"ended_at": now, "updated_at": now})
	if err != nil {
		return err
	}

	sub, err := s.subRepo.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !ok {
		if sub.Status == model.SubscriptionStatusCancelled {
			return nil
		}
		return bizerr.ErrInvalidSubscriptionState.
			WithDetail("subscription_id", subscriptionID).
			WithDetail("status", sub.Status.String())
	}

	metrics.RecordSubscriptionTransition(model.SubscriptionStatusCancelled.String())
	if err := s.enqueueRemoval(ctx, sub, reason); err != nil {
		metrics.RecordSideEffectFailure("cancel_subscription", "channel_remove")
		logger.Error("enqueue channel removal failed",
			zap.String("subscription_id", subscriptionID),
			zap.Error(err),
		)
	}
	return nil
}

// RemindExpiring 给即将到期且未提醒过的订阅发送续费提醒
func (s *SubscriptionService) RemindExpiring(ctx context.Context) (int, error) {
	now := s.clock.Now()
	subs, err := s.subRepo.ListExpiringWithoutReminder(ctx,
		now.UnixMilli(), now.Add(s.cfg.ReminderLead).UnixMilli(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, sub := range subs {
		ok, err := s.subRepo.MarkReminderSent(ctx, sub.SubscriptionID, now.UnixMilli())
		if err != nil {
			logger.Error("mark reminder sent failed",
				zap.String("subscription_id", sub.SubscriptionID),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}
		sent++
		notifyBestEffort(ctx, s.notifier, &NotifyRequest{
			UserID:  sub.BuyerID,
			Event:   model.NotificationSubscriptionExpiring,
			Title:   "Subscription expiring soon",
			Message: "Your channel subscription expires soon. Renew to keep access.",
			Metadata: map[string]interface{}{
				"subscription_id": sub.SubscriptionID,
				"expires_at":      sub.ExpiresAt,
			},
		}, zap.String("subscription_id", sub.SubscriptionID))
	}
	return sent, nil
}

// ListActiveChannels 有生效订阅的频道
func (s *SubscriptionService) ListActiveChannels(ctx context.Context) ([]string, error) {
	return s.subRepo.ListActiveChannels(ctx)
}
