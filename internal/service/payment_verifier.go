package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/metrics"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/repository"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// AmountTolerance 金额相对误差上限 (±0.1%)
var AmountTolerance = decimal.RequireFromString("0.001")

// AmountMatches |actual - expected| / expected <= 0.1%，expected 为 0 时视为匹配
func AmountMatches(expected, actual decimal.Decimal) bool {
	if expected.IsZero() {
		return true
	}
	diff := actual.Sub(expected).Abs()
	return diff.Div(expected.Abs()).LessThanOrEqual(AmountTolerance)
}

// PaymentOutcome 一次支付事件的处理结果
type PaymentOutcome struct {
	Order     *model.Order
	Recorded  bool            // 本次是否新增流水 (重放为 false)
	Total     decimal.Decimal // 订单累计到账
	Confirmed bool            // 本次是否转为 PAYMENT_CONFIRMED
}

// PaymentVerifier 支付校验与订单状态推进
type PaymentVerifier struct {
	tx          repository.Transactor
	orderRepo   repository.OrderRepository
	paymentRepo repository.PaymentTransactionRepository
	addresses   AddressGenerator
	clock       clock.Clock

	// 支付确认回调 (开通订阅)，在事务提交后调用
	onConfirmed func(ctx context.Context, order *model.Order) error
}

// NewPaymentVerifier 创建支付校验器
func NewPaymentVerifier(
	tx repository.Transactor,
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentTransactionRepository,
	addresses AddressGenerator,
	clk clock.Clock,
) *PaymentVerifier {
	return &PaymentVerifier{
		tx:          tx,
		orderRepo:   orderRepo,
		paymentRepo: paymentRepo,
		addresses:   addresses,
		clock:       clk,
	}
}

// SetOnConfirmed 设置支付确认回调
func (v *PaymentVerifier) SetOnConfirmed(fn func(ctx context.Context, order *model.Order) error) {
	v.onConfirmed = fn
}

// Verify 校验链上转账是否满足订单
func (v *PaymentVerifier) Verify(order *model.Order, tx *model.ObservedTransaction) *model.VerificationResult {
	result := &model.VerificationResult{
		AddressMatch:            strings.EqualFold(strings.TrimSpace(tx.To), order.DepositAddress),
		AmountMatch:             AmountMatches(order.Amount, tx.Amount),
		SufficientConfirmations: tx.Confirmations >= order.Currency.RequiredConfirmations(),
	}
	result.IsValid = result.AddressMatch && result.AmountMatch && result.SufficientConfirmations
	return result
}

// ProcessPayment 单笔足额支付：金额不符直接拒绝，不修改状态
func (v *PaymentVerifier) ProcessPayment(ctx context.Context, orderID, txHash string, amount decimal.Decimal, confirmations int) (*model.Order, error) {
	var (
		order     *model.Order
		confirmed bool
		settled   bool
	)
	err := v.tx.Transaction(ctx, func(ctx context.Context) error {
		var err error
		order, err = v.orderRepo.GetByOrderIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if settled, err = v.checkPayable(order); settled || err != nil {
			return err
		}

		result := v.Verify(order, &model.ObservedTransaction{
			TxHash:        txHash,
			To:            order.DepositAddress,
			Amount:        amount,
			Confirmations: confirmations,
			Currency:      order.Currency,
		})
		if !result.AmountMatch {
			return bizerr.ErrAmountMismatch.
				WithDetail("order_id", orderID).
				WithDetail("expected", order.Amount.String()).
				WithDetail("actual", amount.String())
		}

		order, confirmed, err = v.advance(ctx, order, txHash, confirmations)
		return err
	})
	if err != nil {
		metrics.RecordPayment(currencyOf(order), "rejected")
		return nil, err
	}

	return order, v.afterPayment(ctx, order, confirmed, settled)
}

// HandlePartialPayment 记录一笔到账流水 (按交易哈希去重)，累计金额满足订单后推进状态
func (v *PaymentVerifier) HandlePartialPayment(ctx context.Context, orderID, txHash string, amount decimal.Decimal, confirmations int) (*PaymentOutcome, error) {
	if txHash == "" || !amount.IsPositive() {
		return nil, bizerr.ErrInvalidAmount.WithDetail("order_id", orderID).WithDetail("tx_hash", txHash)
	}

	outcome := &PaymentOutcome{}
	var (
		settled bool
		// 流水必须落库，状态拒绝在提交后返回
		rejection error
	)
	err := v.tx.Transaction(ctx, func(ctx context.Context) error {
		order, err := v.orderRepo.GetByOrderIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		outcome.Order = order

		now := clock.NowMillis(v.clock)
		created, err := v.paymentRepo.Insert(ctx, &model.PaymentTransaction{
			OrderID:       orderID,
			TxHash:        txHash,
			Amount:        amount,
			Confirmations: confirmations,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
		outcome.Recorded = created
		if !created {
			// 同一交易再次到达，只可能提升确认数
			if err := v.paymentRepo.RaiseConfirmations(ctx, orderID, txHash, confirmations, now); err != nil {
				return err
			}
		}

		if settled, rejection = v.checkPayable(order); settled || rejection != nil {
			return nil
		}

		total, err := v.paymentRepo.SumByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		outcome.Total = total

		if !AmountMatches(order.Amount, total) {
			if total.GreaterThan(order.Amount) {
				rejection = bizerr.ErrAmountMismatch.
					WithDetail("order_id", orderID).
					WithDetail("expected", order.Amount.String()).
					WithDetail("received", total.String())
				return nil
			}
			// 未付足，继续等待
			logger.Info("partial payment recorded",
				zap.String("order_id", orderID),
				zap.String("tx_hash", txHash),
				zap.String("received", total.String()),
				zap.String("expected", order.Amount.String()),
			)
			return nil
		}

		outcome.Order, outcome.Confirmed, err = v.advance(ctx, order, txHash, confirmations)
		return err
	})
	if err != nil {
		metrics.RecordPayment(currencyOf(outcome.Order), "rejected")
		return nil, err
	}
	if rejection != nil {
		logger.Warn("payment recorded but order not advanced",
			zap.String("order_id", orderID),
			zap.String("tx_hash", txHash),
			zap.Bool("recorded", outcome.Recorded),
			zap.Error(rejection),
		)
		metrics.RecordPayment(currencyOf(outcome.Order), "rejected")
		return nil, rejection
	}

	if !outcome.Recorded {
		metrics.RecordPayment(string(outcome.Order.Currency), "duplicate")
	} else {
		metrics.RecordPayment(string(outcome.Order.Currency), "recorded")
	}
	return outcome, v.afterPayment(ctx, outcome.Order, outcome.Confirmed, settled)
}

// HandleObservedEvent 处理 chain watcher 的到账事件
func (v *PaymentVerifier) HandleObservedEvent(ctx context.Context, ev *model.PaymentObservedEvent) (*PaymentOutcome, error) {
	if ev.TxHash == "" || (ev.OrderID == "" && ev.Address == "") {
		return nil, bizerr.ErrMalformedPayload.WithDetail("tx_hash", ev.TxHash)
	}
	if ev.Currency != "" && !ev.Currency.IsSupported() {
		return nil, bizerr.ErrUnsupportedCurrency.WithDetail("currency", string(ev.Currency))
	}

	orderID := ev.OrderID
	if orderID == "" {
		id, err := v.addresses.GetOrderIDByAddress(ctx, ev.Address)
		if errors.Is(err, repository.ErrDepositAddressNotFound) {
			return nil, bizerr.Fatal(err, "no order for deposit address %s", ev.Address)
		}
		if err != nil {
			return nil, err
		}
		orderID = id
	}

	order, err := v.orderRepo.GetByOrderID(ctx, orderID)
	if bizerr.Is(err, bizerr.ErrOrderNotFound) {
		return nil, bizerr.Fatal(err, "payment event references unknown order %s", orderID)
	}
	if err != nil {
		return nil, err
	}

	if ev.Address != "" && !strings.EqualFold(strings.TrimSpace(ev.Address), order.DepositAddress) {
		return nil, bizerr.ErrInvalidAddress.
			WithDetail("order_id", orderID).
			WithDetail("address", ev.Address)
	}
	if ev.Currency != "" && ev.Currency != order.Currency {
		return nil, bizerr.ErrUnsupportedCurrency.
			WithDetail("order_id", orderID).
			WithDetail("currency", string(ev.Currency))
	}

	return v.HandlePartialPayment(ctx, orderID, ev.TxHash, ev.Amount, ev.Confirmations)
}

// checkPayable 判断订单是否还需推进
// settled=true 表示支付已确认过，本次为重放
func (v *PaymentVerifier) checkPayable(order *model.Order) (settled bool, err error) {
	switch order.Status {
	case model.OrderStatusPendingPayment, model.OrderStatusPaymentDetected:
		return false, nil
	case model.OrderStatusPaymentConfirmed, model.OrderStatusSubscriptionActive, model.OrderStatusRefunded:
		return true, nil
	default:
		return false, bizerr.ErrInvalidOrderState.
			WithDetail("order_id", order.OrderID).
			WithDetail("status", order.Status.String())
	}
}

// advance 按确认数推进到 PAYMENT_DETECTED 或 PAYMENT_CONFIRMED
func (v *PaymentVerifier) advance(ctx context.Context, order *model.Order, txHash string, confirmations int) (*model.Order, bool, error) {
	now := clock.NowMillis(v.clock)
	updates := map[string]interface{}{
		"tx_hash":       txHash,
		"confirmations": confirmations,
		"updated_at":    now,
	}

	if confirmations >= order.Currency.RequiredConfirmations() {
		updates["paid_at"] = now
		ok, err := v.orderRepo.TransitionStatus(ctx, order.OrderID,
			[]model.OrderStatus{model.OrderStatusPendingPayment, model.OrderStatusPaymentDetected},
			model.OrderStatusPaymentConfirmed, updates)
		if err != nil {
			return nil, false, err
		}
		if ok {
			order.Status = model.OrderStatusPaymentConfirmed
			order.TxHash = txHash
			order.Confirmations = confirmations
			order.PaidAt = now
			order.UpdatedAt = now
		}
		return order, ok, nil
	}

	if order.Status == model.OrderStatusPendingPayment {
		ok, err := v.orderRepo.TransitionStatus(ctx, order.OrderID,
			[]model.OrderStatus{model.OrderStatusPendingPayment},
			model.OrderStatusPaymentDetected, updates)
		if err != nil {
			return nil, false, err
		}
		if ok {
			order.Status = model.OrderStatusPaymentDetected
			order.TxHash = txHash
			order.Confirmations = confirmations
			order.UpdatedAt = now
		}
		return order, false, nil
	}

	if err := v.orderRepo.UpdateConfirmations(ctx, order.OrderID, confirmations, txHash, now); err != nil {
		return nil, false, err
	}
	if confirmations > order.Confirmations {
		order.Confirmations = confirmations
		order.TxHash = txHash
	}
	return order, false, nil
}

// afterPayment 事务提交后的后续动作
func (v *PaymentVerifier) afterPayment(ctx context.Context, order *model.Order, confirmed, settled bool) error {
	if order == nil {
		return nil
	}
	if confirmed {
		metrics.RecordOrderTransition(model.OrderStatusPaymentConfirmed.String(), 1)
		metrics.RecordPayment(string(order.Currency), "confirmed")
		logger.Info("payment confirmed",
			zap.String("order_id", order.OrderID),
			zap.String("tx_hash", order.TxHash),
			zap.Int("confirmations", order.Confirmations),
		)
	} else if order.Status == model.OrderStatusPaymentDetected && !settled {
		metrics.RecordPayment(string(order.Currency), "detected")
	}

	// 已确认但尚未开通 (上次回调失败) 时重放也会再次触发
	if v.onConfirmed != nil && order.Status == model.OrderStatusPaymentConfirmed {
		if err := v.onConfirmed(ctx, order); err != nil {
			logger.Error("payment confirmed callback failed",
				zap.String("order_id", order.OrderID),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}

func currencyOf(order *model.Order) string {
	if order == nil {
		return "unknown"
	}
	return string(order.Currency)
}
