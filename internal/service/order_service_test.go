package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanpass/fulfillment/internal/address"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/repository"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

func TestOrderService_Create(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order, err := f.orders.Create(ctx, "buyer-1", "listing-1")
	require.NoError(t, err)

	assert.NotEmpty(t, order.OrderID)
	assert.Equal(t, model.OrderStatusPendingPayment, order.Status)
	assert.True(t, order.Amount.Equal(dec("100")))
	assert.Equal(t, model.CurrencyUSDTERC20, order.Currency)
	assert.Equal(t, testStart.Add(model.PaymentWindow).UnixMilli(), order.ExpiresAt)
	assert.NoError(t, address.Validate(order.Currency, order.DepositAddress))

	// 地址映射已落库且与派生结果一致
	derived, err := address.Derive(order.OrderID, order.Currency)
	require.NoError(t, err)
	assert.Equal(t, derived.Address, order.DepositAddress)

	stored := f.order(t, order.OrderID)
	assert.Equal(t, order.DepositAddress, stored.DepositAddress)
}

func TestOrderService_CreateValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive listing", func(t *testing.T) {
		f := newFixture(t)
		f.seedListing(t, "listing-off", "10", model.CurrencyBTC, 30, model.ListingStatusInactive)
		_, err := f.orders.Create(ctx, "buyer-1", "listing-off")
		assert.True(t, bizerr.Is(err, bizerr.ErrListingInactive))
	})

	t.Run("missing listing", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orders.Create(ctx, "buyer-1", "nope")
		assert.True(t, bizerr.Is(err, bizerr.ErrListingNotFound))
	})

	t.Run("unsupported currency", func(t *testing.T) {
		f := newFixture(t)
		f.seedListing(t, "listing-doge", "10", model.Currency("DOGE"), 30, model.ListingStatusActive)
		_, err := f.orders.Create(ctx, "buyer-1", "listing-doge")
		assert.True(t, bizerr.Is(err, bizerr.ErrUnsupportedCurrency))
	})

	t.Run("zero price rejected by default", func(t *testing.T) {
		f := newFixture(t)
		f.seedListing(t, "listing-free", "0", model.CurrencyETH, 7, model.ListingStatusActive)
		_, err := f.orders.Create(ctx, "buyer-1", "listing-free")
		assert.True(t, bizerr.Is(err, bizerr.ErrInvalidAmount))
	})

	t.Run("zero price allowed when free listings enabled", func(t *testing.T) {
		f := newFixture(t)
		f.seedListing(t, "listing-free", "0", model.CurrencyETH, 7, model.ListingStatusActive)
		svc := NewOrderService(repository.NewRepository(f.db), f.orderRepo,
			repository.NewListingRepository(f.db),
			address.NewDeriver(repository.NewDepositAddressRepository(f.db), f.clock),
			f.clock, &OrderServiceConfig{AllowFreeListings: true})
		order, err := svc.Create(ctx, "buyer-1", "listing-free")
		require.NoError(t, err)
		assert.True(t, order.Amount.IsZero())
	})

	t.Run("negative price always rejected", func(t *testing.T) {
		f := newFixture(t)
		f.seedListing(t, "listing-neg", "-1", model.CurrencyETH, 7, model.ListingStatusActive)
		_, err := f.orders.Create(ctx, "buyer-1", "listing-neg")
		assert.True(t, bizerr.Is(err, bizerr.ErrInvalidAmount))
	})
}

func TestOrderService_ExpireUnpaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 批大小为 2，5 笔订单需要多批
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.createOrder(t).OrderID)
	}
	paid := f.createOrder(t)
	f.markConfirmed(t, paid.OrderID)

	n, err := f.orders.ExpireUnpaid(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	f.clock.Advance(model.PaymentWindow)
	n, err = f.orders.ExpireUnpaid(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	for _, id := range ids {
		assert.Equal(t, model.OrderStatusExpired, f.order(t, id).Status)
	}
	assert.Equal(t, model.OrderStatusPaymentConfirmed, f.order(t, paid.OrderID).Status)

	// 再次执行无新增
	n, err = f.orders.ExpireUnpaid(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// scriptedExpiry 按预设结果返回每批过期数
type scriptedExpiry struct {
	repository.OrderRepository
	batches [][2]int64
	calls   int
}

func (r *scriptedExpiry) ExpireUnpaid(_ context.Context, _ int64, _ int) (int, int64, error) {
	if r.calls >= len(r.batches) {
		r.calls++
		return 0, 0, nil
	}
	b := r.batches[r.calls]
	r.calls++
	return int(b[0]), b[1], nil
}

func TestOrderService_ExpireUnpaidContinuesAfterShortBatch(t *testing.T) {
	// 第一批有一笔被并发支付抢走，仍需继续扫描
	repo := &scriptedExpiry{batches: [][2]int64{{2, 1}, {2, 2}, {1, 1}}}
	f := newFixture(t)
	svc := NewOrderService(nil, repo, nil, nil, f.clock, &OrderServiceConfig{ExpireBatchSize: 2})

	n, err := svc.ExpireUnpaid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, 3, repo.calls)
}

func TestOrderService_RefreshStatusGauge(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t)
	assert.NoError(t, f.orders.RefreshStatusGauge(context.Background()))
}
