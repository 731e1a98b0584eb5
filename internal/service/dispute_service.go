package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

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

// 争议裁决的副作用步骤
const (
	StepRefundDispatch       = "refund_dispatch"
	StepSubscriptionRefunded = "subscription_refunded"
	StepOrderRefunded        = "order_refunded"
	StepChannelRemove        = "channel_remove"
)

// RefundCalculator 退款金额计算
type RefundCalculator interface {
	RefundEscrow(ctx context.Context, subscriptionID string) (*model.RefundQuote, error)
}

// SubscriptionRefunder 订阅退款状态变更
type SubscriptionRefunder interface {
	MarkRefunded(ctx context.Context, subscriptionID string) error
}

// ResolveRequest 裁决内容
type ResolveRequest struct {
	Resolution    string
	ApproveRefund bool
}

// ResolveResult 裁决结果
// FailedSteps 非空时表示裁决已记录但部分副作用未派发，需要人工对账
type ResolveResult struct {
	Dispute     *model.Dispute
	Refund      *model.RefundTransaction
	FailedSteps []string
}

// DisputeService 争议处理
type DisputeService struct {
	tx           repository.Transactor
	disputeRepo  repository.DisputeRepository
	subRepo      repository.SubscriptionRepository
	orderRepo    repository.OrderRepository
	refundRepo   repository.RefundRepository
	calculator   RefundCalculator
	subs         SubscriptionRefunder
	refundQueue  queue.Enqueuer[model.RefundOp]
	channelQueue queue.Enqueuer[model.ChannelOp]
	notifier     Notifier
	clock        clock.Clock
}

// NewDisputeService 创建争议服务
func NewDisputeService(
	tx repository.Transactor,
	disputeRepo repository.DisputeRepository,
	subRepo repository.SubscriptionRepository,
	orderRepo repository.OrderRepository,
	refundRepo repository.RefundRepository,
	calculator RefundCalculator,
	subs SubscriptionRefunder,
	refundQueue queue.Enqueuer[model.RefundOp],
	channelQueue queue.Enqueuer[model.ChannelOp],
	notifier Notifier,
	clk clock.Clock,
) *DisputeService {
	return &DisputeService{
		tx:           tx,
		disputeRepo:  disputeRepo,
		subRepo:      subRepo,
		orderRepo:    orderRepo,
		refundRepo:   refundRepo,
		calculator:   calculator,
		subs:         subs,
		refundQueue:  refundQueue,
		channelQueue: channelQueue,
		notifier:     notifier,
		clock:        clk,
	}
}

// OpenDispute 买家发起争议
// 订阅需为 ACTIVE，或 EXPIRED/CANCELLED 后 7 天内；每个订单同时只能有一个未结束的争议
func (s *DisputeService) OpenDispute(ctx context.Context, buyerID, orderID, issue string) (*model.Dispute, error) {
	issue = strings.TrimSpace(issue)
	if issue == "" {
		return nil, bizerr.ErrIssueRequired
	}
	if utf8.RuneCountInString(issue) > model.MaxIssueLength {
		return nil, bizerr.ErrIssueTooLong.WithDetail("order_id", orderID)
	}

	var dispute *model.Dispute
	err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		// 锁订单行，串行化同一订单的并发发起
		order, err := s.orderRepo.GetByOrderIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.BuyerID != buyerID {
			return bizerr.ErrForbidden.WithDetail("order_id", orderID)
		}

		sub, err := s.subRepo.GetByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if !sub.AcceptsDispute(s.clock.Now()) {
			return bizerr.ErrDisputeWindowClosed.
				WithDetail("order_id", orderID).
				WithDetail("subscription_status", sub.Status.String())
		}

		open, err := s.disputeRepo.GetOpenByOrderID(ctx, orderID)
		if err == nil {
			return bizerr.ErrDisputeAlreadyOpen.WithDetail("dispute_id", open.DisputeID)
		}
		if !bizerr.IsNotFound(err) {
			return err
		}

		dispute = &model.Dispute{
			DisputeID:      uuid.NewString(),
			BuyerID:        buyerID,
			OrderID:        orderID,
			SubscriptionID: sub.SubscriptionID,
			Issue:          issue,
			Status:         model.DisputeStatusOpen,
			CreatedAt:      clock.NowMillis(s.clock),
		}
		return s.disputeRepo.Create(ctx, dispute)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordDispute("opened")
	logger.Info("dispute opened",
		zap.String("dispute_id", dispute.DisputeID),
		zap.String("order_id", orderID),
	)
	notifyBestEffort(ctx, s.notifier, &NotifyRequest{
		UserID:   buyerID,
		Event:    model.NotificationDisputeOpened,
		Title:    "Dispute received",
		Message:  "We received your dispute and will review it shortly.",
		Metadata: map[string]interface{}{"dispute_id": dispute.DisputeID, "order_id": orderID},
	}, zap.String("dispute_id", dispute.DisputeID))
	return dispute, nil
}

// GetDispute 查询争议
func (s *DisputeService) GetDispute(ctx context.Context, disputeID string) (*model.Dispute, error) {
	return s.disputeRepo.GetByDisputeID(ctx, disputeID)
}

// MarkInProgress 管理员开始处理
func (s *DisputeService) MarkInProgress(ctx context.Context, disputeID string) error {
	ok, err := s.disputeRepo.TransitionStatus(ctx, disputeID,
		[]model.DisputeStatus{model.DisputeStatusOpen},
		model.DisputeStatusInProgress,
		map[string]interface{}{"updated_at": clock.NowMillis(s.clock)})
	if err != nil {
		return err
	}
	if ok {
		metrics.RecordDispute("in_progress")
		return nil
	}

	d, err := s.disputeRepo.GetByDisputeID(ctx, disputeID)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return bizerr.ErrAlreadyResolved.WithDetail("dispute_id", disputeID)
	}
	return nil
}

// ResolveDispute 裁决争议
// 裁决记录先落库；批准退款时四个副作用各自独立执行，失败只记录不中断
func (s *DisputeService) ResolveDispute(ctx context.Context, disputeID, adminID string, req *ResolveRequest) (*ResolveResult, error) {
	d, err := s.disputeRepo.GetByDisputeID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status.IsTerminal() {
		return nil, bizerr.ErrAlreadyResolved.WithDetail("dispute_id", disputeID)
	}

	now := clock.NowMillis(s.clock)
	ok, err := s.disputeRepo.TransitionStatus(ctx, disputeID,
		model.OpenDisputeStatuses,
		model.DisputeStatusResolved,
		map[string]interface{}{
			"resolution":      req.Resolution,
			"resolved_by":     adminID,
			"refund_approved": req.ApproveRefund,
			"resolved_at":     now,
			"updated_at":      now,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, bizerr.ErrAlreadyResolved.WithDetail("dispute_id", disputeID)
	}

	d.Status = model.DisputeStatusResolved
	d.Resolution = req.Resolution
	d.ResolvedBy = adminID
	d.RefundApproved = req.ApproveRefund
	d.ResolvedAt = now
	metrics.RecordDispute("resolved")

	result := &ResolveResult{Dispute: d}
	if req.ApproveRefund {
		s.applyRefund(ctx, d, result)
	}

	logger.Info("dispute resolved",
		zap.String("dispute_id", disputeID),
		zap.String("admin_id", adminID),
		zap.Bool("refund_approved", req.ApproveRefund),
		zap.Strings("failed_steps", result.FailedSteps),
	)
	notifyBestEffort(ctx, s.notifier, &NotifyRequest{
		UserID:  d.BuyerID,
		Event:   model.NotificationDisputeResolved,
		Title:   "Dispute resolved",
		Message: req.Resolution,
		Metadata: map[string]interface{}{
			"dispute_id":      disputeID,
			"refund_approved": req.ApproveRefund,
		},
	}, zap.String("dispute_id", disputeID))
	return result, nil
}

func (s *DisputeService) applyRefund(ctx context.Context, d *model.Dispute, result *ResolveResult) {
	fail := func(step string, err error) {
		result.FailedSteps = append(result.FailedSteps, step)
		metrics.RecordSideEffectFailure("resolve_dispute", step)
		logger.Error("dispute side effect failed",
			zap.String("dispute_id", d.DisputeID),
			zap.String("order_id", d.OrderID),
			zap.String("subscription_id", d.SubscriptionID),
			zap.String("step", step),
			zap.Error(err),
		)
	}

	sub, err := s.subRepo.GetBySubscriptionID(ctx, d.SubscriptionID)
	if err != nil {
		// 没有订阅信息时后续步骤都无法执行
		for _, step := range []string{StepRefundDispatch, StepSubscriptionRefunded, StepOrderRefunded, StepChannelRemove} {
			fail(step, err)
		}
		return
	}

	refund, err := s.dispatchRefund(ctx, d, sub)
	if err != nil {
		fail(StepRefundDispatch, err)
	}
	result.Refund = refund

	if err := s.subs.MarkRefunded(ctx, sub.SubscriptionID); err != nil {
		fail(StepSubscriptionRefunded, err)
	}

	if err := s.markOrderRefunded(ctx, d.OrderID); err != nil {
		fail(StepOrderRefunded, err)
	}

	_, err = s.channelQueue.Enqueue(ctx, model.ChannelOp{
		Action:         model.ChannelActionRemove,
		UserID:         sub.MemberID,
		ChannelID:      sub.ChannelID,
		SubscriptionID: sub.SubscriptionID,
		Reason:         "dispute refunded",
	})
	if err != nil {
		fail(StepChannelRemove, err)
	}
}

// dispatchRefund 计算退款、落库并入队；退款记录已存在时只补投队列
func (s *DisputeService) dispatchRefund(ctx context.Context, d *model.Dispute, sub *model.Subscription) (*model.RefundTransaction, error) {
	existing, err := s.refundRepo.GetByOrderID(ctx, d.OrderID)
	switch {
	case err == nil:
		if existing.Status != model.RefundStatusQueued {
			return existing, nil
		}
		return existing, s.enqueueRefund(ctx, existing)
	case !bizerr.IsNotFound(err):
		return nil, err
	}

	quote, err := s.calculator.RefundEscrow(ctx, sub.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if !quote.RefundAmount.IsPositive() {
		logger.Info("no refundable amount left",
			zap.String("dispute_id", d.DisputeID),
			zap.String("subscription_id", sub.SubscriptionID),
		)
		return nil, nil
	}

	order, err := s.orderRepo.GetByOrderID(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}

	refund := &model.RefundTransaction{
		RefundID:       uuid.NewString(),
		OrderID:        order.OrderID,
		SubscriptionID: sub.SubscriptionID,
		BuyerID:        order.BuyerID,
		DisputeID:      d.DisputeID,
		ToAddress:      order.DepositAddress,
		Amount:         quote.RefundAmount,
		Currency:       order.Currency,
		Status:         model.RefundStatusQueued,
		CreatedAt:      clock.NowMillis(s.clock),
	}
	if err := s.refundRepo.Create(ctx, refund); err != nil {
		if errors.Is(err, repository.ErrDuplicateRefund) {
			return s.refundRepo.GetByOrderID(ctx, d.OrderID)
		}
		return nil, err
	}
	metrics.RecordRefund(string(refund.Currency), refund.Amount.InexactFloat64())

	return refund, s.enqueueRefund(ctx, refund)
}

func (s *DisputeService) enqueueRefund(ctx context.Context, refund *model.RefundTransaction) error {
	_, err := s.refundQueue.Enqueue(ctx, model.RefundOp{RefundID: refund.RefundID, OrderID: refund.OrderID})
	return err
}

func (s *DisputeService) markOrderRefunded(ctx context.Context, orderID string) error {
	ok, err := s.orderRepo.TransitionStatus(ctx, orderID,
		model.OrderStatusesFrom(model.OrderStatusRefunded),
		model.OrderStatusRefunded,
		map[string]interface{}{"updated_at": clock.NowMillis(s.clock)})
	if err != nil {
		return err
	}
	if ok {
		metrics.RecordOrderTransition(model.OrderStatusRefunded.String(), 1)
		return nil
	}

	order, err := s.orderRepo.GetByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == model.OrderStatusRefunded {
		return nil
	}
	return bizerr.ErrInvalidOrderState.
		WithDetail("order_id", orderID).
		WithDetail("status", order.Status.String())
}

// CloseDispute 不退款直接关闭
func (s *DisputeService) CloseDispute(ctx context.Context, disputeID, adminID, reason string) error {
	now := clock.NowMillis(s.clock)
	ok, err := s.disputeRepo.TransitionStatus(ctx, disputeID,
		model.OpenDisputeStatuses,
		model.DisputeStatusClosed,
		map[string]interface{}{
			"resolution":  reason,
			"resolved_by": adminID,
			"resolved_at": now,
			"updated_at":  now,
		})
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.disputeRepo.GetByDisputeID(ctx, disputeID); err != nil {
			return err
		}
		return bizerr.ErrAlreadyResolved.WithDetail("dispute_id", disputeID)
	}

	metrics.RecordDispute("closed")
	logger.Info("dispute closed",
		zap.String("dispute_id", disputeID),
		zap.String("admin_id", adminID),
	)
	return nil
}
