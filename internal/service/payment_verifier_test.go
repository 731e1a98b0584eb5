package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanpass/fulfillment/internal/model"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

func TestAmountMatches(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		actual   string
		want     bool
	}{
		{"exact", "100", "100", true},
		{"upper bound", "100", "100.1", true},
		{"lower bound", "100", "99.9", true},
		{"just above tolerance", "100", "100.11", false},
		{"just below tolerance", "100", "99.89", false},
		{"small amount within", "0.05", "0.05005", true},
		{"small amount outside", "0.05", "0.050055", false},
		{"zero expected", "0", "123", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AmountMatches(dec(tt.expected), dec(tt.actual)))
		})
	}
}

func TestPaymentVerifier_Verify(t *testing.T) {
	v := &PaymentVerifier{}

	t.Run("address match is case-insensitive", func(t *testing.T) {
		order := &model.Order{
			DepositAddress: "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01",
			Amount:         dec("10"),
			Currency:       model.CurrencyETH,
		}
		result := v.Verify(order, &model.ObservedTransaction{
			To:            strings.ToLower(order.DepositAddress),
			Amount:        dec("10"),
			Confirmations: 12,
		})
		assert.True(t, result.AddressMatch)
		assert.True(t, result.IsValid)
	})

	t.Run("confirmation thresholds", func(t *testing.T) {
		for _, currency := range []model.Currency{model.CurrencyUSDCERC20, model.CurrencyBTC, model.CurrencyUSDTTRC20} {
			threshold := currency.RequiredConfirmations()
			order := &model.Order{DepositAddress: "addr", Amount: dec("1"), Currency: currency}

			below := v.Verify(order, &model.ObservedTransaction{To: "addr", Amount: dec("1"), Confirmations: threshold - 1})
			assert.False(t, below.SufficientConfirmations, currency)
			assert.False(t, below.IsValid, currency)

			at := v.Verify(order, &model.ObservedTransaction{To: "addr", Amount: dec("1"), Confirmations: threshold})
			assert.True(t, at.SufficientConfirmations, currency)
			assert.True(t, at.IsValid, currency)
		}
		assert.Equal(t, 12, model.CurrencyUSDCERC20.RequiredConfirmations())
		assert.Equal(t, 3, model.CurrencyBTC.RequiredConfirmations())
		assert.Equal(t, 19, model.CurrencyUSDTTRC20.RequiredConfirmations())
	})

	t.Run("wrong address", func(t *testing.T) {
		order := &model.Order{DepositAddress: "addr-a", Amount: dec("1"), Currency: model.CurrencyBTC}
		result := v.Verify(order, &model.ObservedTransaction{To: "addr-b", Amount: dec("1"), Confirmations: 6})
		assert.False(t, result.AddressMatch)
		assert.False(t, result.IsValid)
	})
}

func TestPaymentVerifier_ProcessPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("amount mismatch does not mutate", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		_, err := f.verifier.ProcessPayment(ctx, order.OrderID, "0xtx1", dec("90"), 12)
		require.Error(t, err)
		assert.True(t, bizerr.Is(err, bizerr.ErrAmountMismatch))

		got := f.order(t, order.OrderID)
		assert.Equal(t, model.OrderStatusPendingPayment, got.Status)
		assert.Empty(t, got.TxHash)
	})

	t.Run("detected then confirmed", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		got, err := f.verifier.ProcessPayment(ctx, order.OrderID, "0xtx1", dec("100"), 3)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusPaymentDetected, got.Status)
		assert.Zero(t, f.order(t, order.OrderID).PaidAt)
		assert.Empty(t, f.channelQ.Items())

		got, err = f.verifier.ProcessPayment(ctx, order.OrderID, "0xtx1", dec("100"), 12)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusPaymentConfirmed, got.Status)

		stored := f.order(t, order.OrderID)
		assert.Equal(t, model.OrderStatusSubscriptionActive, stored.Status)
		assert.Equal(t, 12, stored.Confirmations)
		assert.Equal(t, "0xtx1", stored.TxHash)
		assert.Equal(t, testStart.UnixMilli(), stored.PaidAt)
		assert.Len(t, f.channelQ.Items(), 1)
	})

	t.Run("expired order rejected", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)
		f.clock.Advance(model.PaymentWindow)
		_, err := f.orders.ExpireUnpaid(ctx)
		require.NoError(t, err)

		_, err = f.verifier.ProcessPayment(ctx, order.OrderID, "0xtx1", dec("100"), 12)
		assert.True(t, bizerr.Is(err, bizerr.ErrInvalidOrderState))
	})

	t.Run("unknown order", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.verifier.ProcessPayment(ctx, "missing", "0xtx1", dec("100"), 12)
		assert.True(t, bizerr.Is(err, bizerr.ErrOrderNotFound))
	})
}

func TestPaymentVerifier_HandlePartialPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("replayed tx hash is not double counted", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		out, err := f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xa", dec("60"), 12)
		require.NoError(t, err)
		assert.True(t, out.Recorded)

		out, err = f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xa", dec("60"), 14)
		require.NoError(t, err)
		assert.False(t, out.Recorded)
		assert.True(t, out.Total.Equal(dec("60")))
		assert.Equal(t, model.OrderStatusPendingPayment, f.order(t, order.OrderID).Status)

		txs, err := f.paymentRepo.ListByOrder(ctx, order.OrderID)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, 14, txs[0].Confirmations)
	})

	t.Run("two transfers satisfy one order", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		_, err := f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xa", dec("50"), 12)
		require.NoError(t, err)
		out, err := f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xb", dec("49.95"), 12)
		require.NoError(t, err)
		assert.True(t, out.Confirmed)
		assert.Equal(t, model.OrderStatusSubscriptionActive, f.order(t, order.OrderID).Status)
	})

	t.Run("insufficient confirmations only detect", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		out, err := f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xa", dec("100"), 2)
		require.NoError(t, err)
		assert.False(t, out.Confirmed)
		assert.Equal(t, model.OrderStatusPaymentDetected, f.order(t, order.OrderID).Status)

		// 同一交易确认数提升后完成确认
		out, err = f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xa", dec("100"), 12)
		require.NoError(t, err)
		assert.True(t, out.Confirmed)
	})

	t.Run("overpayment beyond tolerance", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		_, err := f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xa", dec("150"), 12)
		assert.True(t, bizerr.Is(err, bizerr.ErrAmountMismatch))
		assert.Equal(t, model.OrderStatusPendingPayment, f.order(t, order.OrderID).Status)
	})

	t.Run("overpaying transfer stays in the ledger", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		_, err := f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xaaa", dec("60"), 12)
		require.NoError(t, err)
		_, err = f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xbbb", dec("50"), 12)
		assert.True(t, bizerr.Is(err, bizerr.ErrAmountMismatch))
		assert.Equal(t, model.OrderStatusPendingPayment, f.order(t, order.OrderID).Status)

		txs, err := f.paymentRepo.ListByOrder(ctx, order.OrderID)
		require.NoError(t, err)
		require.Len(t, txs, 2)
		total, err := f.paymentRepo.SumByOrder(ctx, order.OrderID)
		require.NoError(t, err)
		assert.True(t, total.Equal(dec("110")))

		// 重投不会重复记账
		_, err = f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xbbb", dec("50"), 13)
		assert.True(t, bizerr.Is(err, bizerr.ErrAmountMismatch))
		txs, err = f.paymentRepo.ListByOrder(ctx, order.OrderID)
		require.NoError(t, err)
		assert.Len(t, txs, 2)
	})

	t.Run("transfer to expired order is still recorded", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)
		f.clock.Advance(model.PaymentWindow)
		_, err := f.orders.ExpireUnpaid(ctx)
		require.NoError(t, err)

		_, err = f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xlate", dec("100"), 12)
		assert.True(t, bizerr.Is(err, bizerr.ErrInvalidOrderState))
		assert.Equal(t, model.OrderStatusExpired, f.order(t, order.OrderID).Status)

		txs, err := f.paymentRepo.ListByOrder(ctx, order.OrderID)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "0xlate", txs[0].TxHash)
	})

	t.Run("invalid amount", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)
		_, err := f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xa", dec("0"), 12)
		assert.True(t, bizerr.Is(err, bizerr.ErrInvalidAmount))
	})
}

func TestPaymentVerifier_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order := f.createOrder(t)
	assert.Equal(t, model.OrderStatusPendingPayment, order.Status)

	out, err := f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xfirst", dec("60"), 12)
	require.NoError(t, err)
	assert.False(t, out.Confirmed)
	assert.Equal(t, model.OrderStatusPendingPayment, f.order(t, order.OrderID).Status)
	assert.Empty(t, f.channelQ.Items())

	out, err = f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xsecond", dec("40.05"), 12)
	require.NoError(t, err)
	assert.True(t, out.Confirmed)
	assert.True(t, out.Total.Equal(dec("100.05")))

	sub, err := f.subRepo.GetByOrderID(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusPendingActivation, sub.Status)
	assert.Equal(t, "tg-1001", sub.MemberID)

	invites := f.channelQ.Items()
	require.Len(t, invites, 1)
	assert.Equal(t, model.ChannelActionAdd, invites[0].Action)
	assert.Equal(t, sub.SubscriptionID, invites[0].SubscriptionID)
	assert.Equal(t, "channel-listing-1", invites[0].ChannelID)

	// 重放最后一笔不会再次开通
	_, err = f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xsecond", dec("40.05"), 13)
	require.NoError(t, err)
	assert.Len(t, f.channelQ.Items(), 1)
	assert.Equal(t, model.OrderStatusSubscriptionActive, f.order(t, order.OrderID).Status)

	// payment_confirmed 通知已入队
	events := f.notifyQ.Items()
	require.NotEmpty(t, events)
	assert.Equal(t, model.NotificationPaymentConfirmed, events[0].Event)
}

func TestPaymentVerifier_HealsFailedActivation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t)

	f.channelQ.err = assert.AnError
	_, err := f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xa", dec("100"), 12)
	require.Error(t, err)
	assert.True(t, bizerr.IsRetryable(err))
	assert.Equal(t, model.OrderStatusPaymentConfirmed, f.order(t, order.OrderID).Status)

	// 事件重投后补齐开通
	f.channelQ.err = nil
	_, err = f.verifier.HandlePartialPayment(ctx, order.OrderID, "0xa", dec("100"), 12)
	require.NoError(t, err)
	assert.Len(t, f.channelQ.Items(), 1)
	assert.Equal(t, model.OrderStatusSubscriptionActive, f.order(t, order.OrderID).Status)
}

func TestPaymentVerifier_HandleObservedEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by address", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		out, err := f.verifier.HandleObservedEvent(ctx, &model.PaymentObservedEvent{
			Address:       strings.ToUpper(order.DepositAddress),
			TxHash:        "0xa",
			Amount:        dec("100"),
			Confirmations: 12,
			Currency:      model.CurrencyUSDTERC20,
		})
		require.NoError(t, err)
		assert.Equal(t, order.OrderID, out.Order.OrderID)
		assert.True(t, out.Confirmed)
	})

	t.Run("unknown address is fatal", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.verifier.HandleObservedEvent(ctx, &model.PaymentObservedEvent{
			Address: "0x0000000000000000000000000000000000000001",
			TxHash:  "0xa",
			Amount:  dec("1"),
		})
		require.Error(t, err)
		assert.Equal(t, bizerr.KindFatal, bizerr.KindOf(err))
	})

	t.Run("unknown order is fatal", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.verifier.HandleObservedEvent(ctx, &model.PaymentObservedEvent{
			OrderID: "missing",
			TxHash:  "0xa",
			Amount:  dec("1"),
		})
		assert.Equal(t, bizerr.KindFatal, bizerr.KindOf(err))
	})

	t.Run("malformed", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.verifier.HandleObservedEvent(ctx, &model.PaymentObservedEvent{OrderID: "o"})
		assert.True(t, bizerr.Is(err, bizerr.ErrMalformedPayload))
	})

	t.Run("currency mismatch", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)
		_, err := f.verifier.HandleObservedEvent(ctx, &model.PaymentObservedEvent{
			OrderID:  order.OrderID,
			TxHash:   "0xa",
			Amount:   dec("100"),
			Currency: model.CurrencyBTC,
		})
		assert.True(t, bizerr.Is(err, bizerr.ErrUnsupportedCurrency))
	})
}
