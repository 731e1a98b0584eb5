package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanpass/fulfillment/internal/model"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

func newTestOrder(orderID, address string) *model.Order {
	return &model.Order{
		OrderID:        orderID,
		BuyerID:        "buyer-1",
		ListingID:      "listing-1",
		DepositAddress: address,
		Amount:         decimal.NewFromInt(100),
		Currency:       model.CurrencyUSDTERC20,
		Status:         model.OrderStatusPendingPayment,
		ExpiresAt:      2000,
		CreatedAt:      1000,
	}
}

func TestOrderRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestOrder("o-1", "0x01")))

	got, err := repo.GetByOrderID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "0x01", got.DepositAddress)
	assert.True(t, decimal.NewFromInt(100).Equal(got.Amount))
	assert.Equal(t, int64(1000), got.UpdatedAt)

	_, err = repo.GetByOrderID(ctx, "missing")
	assert.True(t, bizerr.Is(err, bizerr.ErrOrderNotFound))

	err = repo.Create(ctx, newTestOrder("o-2", "0x01"))
	assert.True(t, bizerr.Is(err, bizerr.ErrAddressConflict))
}

func TestOrderRepository_TransitionStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTestOrder("o-1", "0x01")))

	changed, err := repo.TransitionStatus(ctx, "o-1",
		[]model.OrderStatus{model.OrderStatusPendingPayment, model.OrderStatusPaymentDetected},
		model.OrderStatusPaymentConfirmed,
		map[string]interface{}{"paid_at": int64(1500), "confirmations": 12})
	require.NoError(t, err)
	assert.True(t, changed)

	// 前置状态不满足时不更新
	changed, err = repo.TransitionStatus(ctx, "o-1",
		[]model.OrderStatus{model.OrderStatusPendingPayment}, model.OrderStatusExpired, nil)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := repo.GetByOrderID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaymentConfirmed, got.Status)
	assert.Equal(t, int64(1500), got.PaidAt)
	assert.Equal(t, 12, got.Confirmations)
}

func TestOrderRepository_UpdateConfirmationsOnlyRaises(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTestOrder("o-1", "0x01")))

	require.NoError(t, repo.UpdateConfirmations(ctx, "o-1", 5, "0xtx", 1100))
	require.NoError(t, repo.UpdateConfirmations(ctx, "o-1", 3, "0xother", 1200))

	got, err := repo.GetByOrderID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Confirmations)
	assert.Equal(t, "0xtx", got.TxHash)
}

func TestOrderRepository_ExpireUnpaid(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	due := newTestOrder("o-due", "0x01")
	notDue := newTestOrder("o-later", "0x02")
	notDue.ExpiresAt = 9000
	detected := newTestOrder("o-detected", "0x03")
	detected.Status = model.OrderStatusPaymentDetected
	for _, o := range []*model.Order{due, notDue, detected} {
		require.NoError(t, repo.Create(ctx, o))
	}

	picked, n, err := repo.ExpireUnpaid(ctx, 5000, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, picked)
	assert.Equal(t, int64(1), n)

	// 再次执行无新增
	picked, n, err = repo.ExpireUnpaid(ctx, 5000, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, picked)
	assert.Equal(t, int64(0), n)

	got, _ := repo.GetByOrderID(ctx, "o-due")
	assert.Equal(t, model.OrderStatusExpired, got.Status)
	got, _ = repo.GetByOrderID(ctx, "o-detected")
	assert.Equal(t, model.OrderStatusPaymentDetected, got.Status)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.OrderStatusExpired])
	assert.Equal(t, int64(1), counts[model.OrderStatusPendingPayment])
}

func TestOrderRepository_TransitionStatus_SQL(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewOrderRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "orders" SET .* WHERE order_id = \$\d+ AND status IN \(\$\d+,\$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	changed, err := repo.TransitionStatus(context.Background(), "o-1",
		[]model.OrderStatus{model.OrderStatusPaymentConfirmed, model.OrderStatusSubscriptionActive},
		model.OrderStatusRefunded, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
