package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/chanpass/fulfillment/internal/address"
	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/repository"
	"github.com/chanpass/fulfillment/internal/testutil"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingQueue 记录入队消息
type recordingQueue[T any] struct {
	mu    sync.Mutex
	items []T
	err   error
}

func (q *recordingQueue[T]) Enqueue(ctx context.Context, payload T) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.items = append(q.items, payload)
	return fmt.Sprintf("msg-%d", len(q.items)), nil
}

func (q *recordingQueue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]T(nil), q.items...)
}

type fixture struct {
	db    *gorm.DB
	clock *clock.Manual

	orderRepo   repository.OrderRepository
	subRepo     repository.SubscriptionRepository
	refundRepo  repository.RefundRepository
	disputeRepo repository.DisputeRepository
	escrowRepo  repository.EscrowRepository
	paymentRepo repository.PaymentTransactionRepository

	channelQ *recordingQueue[model.ChannelOp]
	refundQ  *recordingQueue[model.RefundOp]
	notifyQ  *recordingQueue[model.NotificationOp]

	orders   *OrderService
	verifier *PaymentVerifier
	subs     *SubscriptionService
	escrow   *EscrowService
	disputes *DisputeService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t)
	clk := clock.NewManual(testStart)
	tx := repository.NewRepository(db)

	f := &fixture{
		db:          db,
		clock:       clk,
		orderRepo:   repository.NewOrderRepository(db),
		subRepo:     repository.NewSubscriptionRepository(db),
		refundRepo:  repository.NewRefundRepository(db),
		disputeRepo: repository.NewDisputeRepository(db),
		escrowRepo:  repository.NewEscrowRepository(db),
		paymentRepo: repository.NewPaymentTransactionRepository(db),
		channelQ:    &recordingQueue[model.ChannelOp]{},
		refundQ:     &recordingQueue[model.RefundOp]{},
		notifyQ:     &recordingQueue[model.NotificationOp]{},
	}

	listingRepo := repository.NewListingRepository(db)
	deriver := address.NewDeriver(repository.NewDepositAddressRepository(db), clk)
	notifier := NewNotificationService(repository.NewNotificationRepository(db), f.notifyQ, clk)

	f.orders = NewOrderService(tx, f.orderRepo, listingRepo, deriver, clk, &OrderServiceConfig{ExpireBatchSize: 2})
	f.escrow = NewEscrowService(f.subRepo, f.orderRepo, listingRepo, f.refundRepo, f.escrowRepo, clk)
	f.subs = NewSubscriptionService(f.subRepo, f.orderRepo, listingRepo, repository.NewBuyerRepository(db),
		f.channelQ, f.orders, f.escrow, notifier, clk, nil)
	f.verifier = NewPaymentVerifier(tx, f.orderRepo, f.paymentRepo, deriver, clk)
	f.verifier.SetOnConfirmed(f.subs.OnPaymentConfirmed)
	f.disputes = NewDisputeService(tx, f.disputeRepo, f.subRepo, f.orderRepo, f.refundRepo,
		f.escrow, f.subs, f.refundQ, f.channelQ, notifier, clk)

	f.seedListing(t, "listing-1", "100", model.CurrencyUSDTERC20, 30, model.ListingStatusActive)
	f.seedBuyer(t, "buyer-1", "tg-1001")
	return f
}

func (f *fixture) seedListing(t *testing.T, id, price string, currency model.Currency, days int, status model.ListingStatus) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.Listing{
		ListingID:    id,
		MerchantID:   "merchant-1",
		Title:        "Alpha signals",
		Price:        decimal.RequireFromString(price),
		Currency:     currency,
		DurationDays: days,
		ChannelID:    "channel-" + id,
		Status:       status,
	}).Error)
}

func (f *fixture) seedBuyer(t *testing.T, id, telegramID string) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.Buyer{BuyerID: id, TelegramUserID: telegramID}).Error)
}

func (f *fixture) createOrder(t *testing.T) *model.Order {
	t.Helper()
	order, err := f.orders.Create(context.Background(), "buyer-1", "listing-1")
	require.NoError(t, err)
	return order
}

// markConfirmed 直接推进到 PAYMENT_CONFIRMED，不触发开通回调
func (f *fixture) markConfirmed(t *testing.T, orderID string) {
	t.Helper()
	ok, err := f.orderRepo.TransitionStatus(context.Background(), orderID,
		[]model.OrderStatus{model.OrderStatusPendingPayment},
		model.OrderStatusPaymentConfirmed,
		map[string]interface{}{"paid_at": f.clock.Now().UnixMilli()})
	require.NoError(t, err)
	require.True(t, ok)
}

// activeSubscription 创建订单、确认支付并完成开通
func (f *fixture) activeSubscription(t *testing.T) (*model.Order, *model.Subscription) {
	t.Helper()
	ctx := context.Background()
	order := f.createOrder(t)
	f.markConfirmed(t, order.OrderID)

	sub, err := f.subs.CreateFromOrder(ctx, order.OrderID)
	require.NoError(t, err)
	require.NoError(t, f.subs.ActivateSubscription(ctx, sub.SubscriptionID))

	sub, err = f.subRepo.GetBySubscriptionID(ctx, sub.SubscriptionID)
	require.NoError(t, err)
	return order, sub
}

func (f *fixture) order(t *testing.T, orderID string) *model.Order {
	t.Helper()
	order, err := f.orderRepo.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	return order
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
