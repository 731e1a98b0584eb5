// Package service 实现支付到开通的履约业务
package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/metrics"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/repository"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// AddressGenerator 收款地址派生
type AddressGenerator interface {
	Generate(ctx context.Context, orderID string, currency model.Currency) (string, error)
	GetOrderIDByAddress(ctx context.Context, addr string) (string, error)
}

// OrderServiceConfig 订单服务配置
type OrderServiceConfig struct {
	AllowFreeListings bool // 是否允许价格为 0 的商品下单
	ExpireBatchSize   int  // 过期扫描每批数量
}

// OrderService 订单生命周期
type OrderService struct {
	tx          repository.Transactor
	orderRepo   repository.OrderRepository
	listingRepo repository.ListingRepository
	addresses   AddressGenerator
	clock       clock.Clock
	cfg         OrderServiceConfig
}

// NewOrderService 创建订单服务
func NewOrderService(
	tx repository.Transactor,
	orderRepo repository.OrderRepository,
	listingRepo repository.ListingRepository,
	addresses AddressGenerator,
	clk clock.Clock,
	cfg *OrderServiceConfig,
) *OrderService {
	c := OrderServiceConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.ExpireBatchSize <= 0 {
		c.ExpireBatchSize = 500
	}
	return &OrderService{
		tx:          tx,
		orderRepo:   orderRepo,
		listingRepo: listingRepo,
		addresses:   addresses,
		clock:       clk,
		cfg:         c,
	}
}

// Create 为买家创建待支付订单，派生专属收款地址
func (s *OrderService) Create(ctx context.Context, buyerID, listingID string) (*model.Order, error) {
	listing, err := s.listingRepo.GetByListingID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if !listing.IsActive() {
		return nil, bizerr.ErrListingInactive.WithDetail("listing_id", listingID)
	}
	if !listing.Currency.IsSupported() {
		return nil, bizerr.ErrUnsupportedCurrency.WithDetail("currency", string(listing.Currency))
	}
	if !listing.Price.IsPositive() {
		if !listing.Price.IsZero() || !s.cfg.AllowFreeListings {
			return nil, bizerr.ErrInvalidAmount.WithDetail("listing_id", listingID)
		}
	}

	now := s.clock.Now()
	order := &model.Order{
		OrderID:   uuid.NewString(),
		BuyerID:   buyerID,
		ListingID: listingID,
		Amount:    listing.Price,
		Currency:  listing.Currency,
		Status:    model.OrderStatusPendingPayment,
		ExpiresAt: now.Add(model.PaymentWindow).UnixMilli(),
		CreatedAt: now.UnixMilli(),
	}

	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		addr, err := s.addresses.Generate(ctx, order.OrderID, order.Currency)
		if err != nil {
			return err
		}
		order.DepositAddress = addr
		return s.orderRepo.Create(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordOrderTransition(model.OrderStatusPendingPayment.String(), 1)
	logger.Info("order created",
		zap.String("order_id", order.OrderID),
		zap.String("buyer_id", buyerID),
		zap.String("listing_id", listingID),
		zap.String("amount", order.Amount.String()),
		zap.String("currency", string(order.Currency)),
	)
	return order, nil
}

// GetOrder 查询订单
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.orderRepo.GetByOrderID(ctx, orderID)
}

// ExpireUnpaid 将超过支付窗口的 PENDING_PAYMENT 订单置为 EXPIRED
// 收款地址不回收
func (s *OrderService) ExpireUnpaid(ctx context.Context) (int64, error) {
	now := clock.NowMillis(s.clock)
	var total int64
	for {
		picked, n, err := s.orderRepo.ExpireUnpaid(ctx, now, s.cfg.ExpireBatchSize)
		if err != nil {
			return total, err
		}
		total += n
		// 以选中数而非更新数判断是否还有剩余
		if picked < s.cfg.ExpireBatchSize {
			break
		}
	}

	if total > 0 {
		metrics.RecordOrderTransition(model.OrderStatusExpired.String(), int(total))
		logger.Info("unpaid orders expired", zap.Int64("count", total))
	}
	return total, nil
}

// RefreshStatusGauge 刷新订单状态分布指标
func (s *OrderService) RefreshStatusGauge(ctx context.Context) error {
	counts, err := s.orderRepo.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for _, status := range []model.OrderStatus{
		model.OrderStatusPendingPayment,
		model.OrderStatusPaymentDetected,
		model.OrderStatusPaymentConfirmed,
		model.OrderStatusSubscriptionActive,
		model.OrderStatusExpired,
		model.OrderStatusRefunded,
	} {
		metrics.UpdateOrdersByStatus(status.String(), counts[status])
	}
	return nil
}
