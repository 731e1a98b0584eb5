package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/repository"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// RefundPrecision 退款金额保留小数位，向下取整
const RefundPrecision = 8

var msPerDay = decimal.NewFromInt(int64(24 * time.Hour / time.Millisecond))

// ComputeRefund 按未使用天数比例计算退款
// usedDays 限定在 [0, durationDays]，同一 now 结果确定
func ComputeRefund(amount decimal.Decimal, durationDays int, startAt int64, now time.Time) *model.RefundQuote {
	quote := &model.RefundQuote{
		OrderAmount:  amount,
		DurationDays: durationDays,
		UsedDays:     decimal.Zero,
		UnusedDays:   decimal.Zero,
		RefundAmount: decimal.Zero,
		ComputedAt:   now.UnixMilli(),
	}
	if durationDays <= 0 {
		return quote
	}

	duration := decimal.NewFromInt(int64(durationDays))
	used := decimal.NewFromInt(now.UnixMilli() - startAt).Div(msPerDay)
	if used.IsNegative() {
		used = decimal.Zero
	}
	if used.GreaterThan(duration) {
		used = duration
	}
	unused := duration.Sub(used)

	quote.UsedDays = used
	quote.UnusedDays = unused
	quote.RefundAmount = amount.Mul(unused).Div(duration).RoundFloor(RefundPrecision)
	return quote
}

// EscrowService 托管资金核算
type EscrowService struct {
	subRepo     repository.SubscriptionRepository
	orderRepo   repository.OrderRepository
	listingRepo repository.ListingRepository
	refundRepo  repository.RefundRepository
	escrowRepo  repository.EscrowRepository
	clock       clock.Clock
}

// NewEscrowService 创建托管核算服务
func NewEscrowService(
	subRepo repository.SubscriptionRepository,
	orderRepo repository.OrderRepository,
	listingRepo repository.ListingRepository,
	refundRepo repository.RefundRepository,
	escrowRepo repository.EscrowRepository,
	clk clock.Clock,
) *EscrowService {
	return &EscrowService{
		subRepo:     subRepo,
		orderRepo:   orderRepo,
		listingRepo: listingRepo,
		refundRepo:  refundRepo,
		escrowRepo:  escrowRepo,
		clock:       clk,
	}
}

// RefundEscrow 计算订阅当前可退金额
func (s *EscrowService) RefundEscrow(ctx context.Context, subscriptionID string) (*model.RefundQuote, error) {
	sub, err := s.subRepo.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	order, err := s.orderRepo.GetByOrderID(ctx, sub.OrderID)
	if err != nil {
		return nil, err
	}

	quote := ComputeRefund(order.Amount, sub.DurationDays, sub.StartAt, s.clock.Now())
	quote.SubscriptionID = subscriptionID
	return quote, nil
}

// Release 订阅结束后的商家结算: 订单金额扣除已发起的退款，每个订阅只结算一次
func (s *EscrowService) Release(ctx context.Context, sub *model.Subscription) (*model.EscrowRelease, error) {
	order, err := s.orderRepo.GetByOrderID(ctx, sub.OrderID)
	if err != nil {
		return nil, err
	}
	listing, err := s.listingRepo.GetByListingID(ctx, sub.ListingID)
	if err != nil {
		return nil, err
	}

	amount := order.Amount
	refund, err := s.refundRepo.GetByOrderID(ctx, order.OrderID)
	switch {
	case err == nil:
		if refund.Status != model.RefundStatusFailed {
			amount = amount.Sub(refund.Amount)
		}
	case !bizerr.IsNotFound(err):
		return nil, err
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}

	release := &model.EscrowRelease{
		SubscriptionID: sub.SubscriptionID,
		OrderID:        order.OrderID,
		ListingID:      listing.ListingID,
		MerchantID:     listing.MerchantID,
		Amount:         amount,
		Currency:       order.Currency,
		CreatedAt:      clock.NowMillis(s.clock),
	}
	created, err := s.escrowRepo.CreateRelease(ctx, release)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.escrowRepo.GetReleaseBySubscriptionID(ctx, sub.SubscriptionID)
	}

	logger.Info("escrow released",
		zap.String("subscription_id", sub.SubscriptionID),
		zap.String("merchant_id", listing.MerchantID),
		zap.String("amount", amount.String()),
		zap.String("currency", string(order.Currency)),
	)
	return release, nil
}
