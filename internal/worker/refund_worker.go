package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/metrics"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/queue"
	"github.com/chanpass/fulfillment/internal/repository"
	"github.com/chanpass/fulfillment/internal/service"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// Transferer 托管出款，同一 RefundID 重复调用只出款一次
type Transferer interface {
	Transfer(ctx context.Context, req *model.TransferRequest) (string, error)
}

// RefundHandler 处理退款队列
type RefundHandler struct {
	refundRepo repository.RefundRepository
	transferer Transferer
	notifier   service.Notifier
	clock      clock.Clock
}

// NewRefundHandler 创建退款处理器
func NewRefundHandler(refundRepo repository.RefundRepository, transferer Transferer, notifier service.Notifier, clk clock.Clock) *RefundHandler {
	return &RefundHandler{
		refundRepo: refundRepo,
		transferer: transferer,
		notifier:   notifier,
		clock:      clk,
	}
}

// Process 出款并标记完成；已终态的退款直接确认
func (h *RefundHandler) Process(ctx context.Context, msg *queue.Message[model.RefundOp]) error {
	op := msg.Payload
	if op.RefundID == "" {
		return bizerr.ErrMalformedPayload.WithDetail("message_id", msg.ID)
	}

	refund, err := h.refundRepo.GetByRefundID(ctx, op.RefundID)
	if err != nil {
		if bizerr.IsNotFound(err) {
			return bizerr.Fatal(err, "refund %s referenced by queue message does not exist", op.RefundID)
		}
		return err
	}
	if refund.Status.IsTerminal() {
		logger.Info("refund already settled",
			zap.String("refund_id", refund.RefundID),
			zap.String("status", refund.Status.String()),
		)
		return nil
	}

	now := clock.NowMillis(h.clock)
	if err := h.refundRepo.IncrementAttempt(ctx, refund.RefundID, now); err != nil {
		return err
	}

	txHash, err := h.transferer.Transfer(ctx, &model.TransferRequest{
		RefundID:  refund.RefundID,
		ToAddress: refund.ToAddress,
		Amount:    refund.Amount,
		Currency:  refund.Currency,
	})
	if err != nil {
		return err
	}

	ok, err := h.refundRepo.MarkCompleted(ctx, refund.RefundID, txHash, clock.NowMillis(h.clock))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	logger.Info("refund completed",
		zap.String("refund_id", refund.RefundID),
		zap.String("order_id", refund.OrderID),
		zap.String("amount", refund.Amount.String()),
		zap.String("tx_hash", txHash),
	)
	h.notify(ctx, refund, txHash)
	return nil
}

func (h *RefundHandler) notify(ctx context.Context, refund *model.RefundTransaction, txHash string) {
	_, err := h.notifier.Notify(ctx, &service.NotifyRequest{
		UserID:  refund.BuyerID,
		Event:   model.NotificationRefundCompleted,
		Title:   "Refund sent",
		Message: "Your refund of " + refund.Amount.String() + " " + string(refund.Currency) + " has been sent.",
		Metadata: map[string]interface{}{
			"refund_id": refund.RefundID,
			"order_id":  refund.OrderID,
			"tx_hash":   txHash,
		},
	})
	if err != nil {
		logger.Warn("refund notification failed",
			zap.String("refund_id", refund.RefundID),
			zap.Error(err),
		)
	}
}

// Classify 错误分类
func (h *RefundHandler) Classify(err error) queue.Disposition {
	return queue.DefaultClassify(err)
}

// OnDeadLetter 退款最终失败，标记 FAILED 等待对账
func (h *RefundHandler) OnDeadLetter(ctx context.Context, msg *queue.Message[model.RefundOp], err error) {
	op := msg.Payload
	metrics.RecordSideEffectFailure("refund", "transfer")
	logger.Error("refund abandoned",
		zap.String("refund_id", op.RefundID),
		zap.String("order_id", op.OrderID),
		zap.Int("attempt", msg.AttemptCount),
		zap.Error(err),
	)
	if op.RefundID == "" {
		return
	}
	if _, markErr := h.refundRepo.MarkFailed(ctx, op.RefundID, err.Error(), clock.NowMillis(h.clock)); markErr != nil {
		logger.Error("mark refund failed",
			zap.String("refund_id", op.RefundID),
			zap.Error(markErr),
		)
	}
}
