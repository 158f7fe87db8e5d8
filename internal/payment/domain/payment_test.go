package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalmarket/internal/common/money"
)

func rub(t *testing.T, s string) money.Money {
	t.Helper()
	m, err := money.NewFromString(s, money.RUB)
	require.NoError(t, err)
	return m
}

func newTestPayment(t *testing.T, amount string) *Payment {
	t.Helper()
	p, err := NewPayment("pay_1", "user_1", rub(t, amount), "legal consultation", "cons_1", "", "idem_1", nil)
	require.NoError(t, err)
	return p
}

func TestNewPayment(t *testing.T) {
	t.Run("starts pending and records created event", func(t *testing.T) {
		p := newTestPayment(t, "1500.00")

		assert.Equal(t, StatusPending, p.Status)
		assert.True(t, p.RefundedAmount.IsZero())

		events := p.Events()
		require.Len(t, events, 1)
		created, ok := events[0].(PaymentCreated)
		require.True(t, ok)
		assert.Equal(t, "pay_1", created.PaymentID)
		assert.Equal(t, EventPaymentCreated, created.EventType())
	})

	t.Run("requires exactly one reference", func(t *testing.T) {
		_, err := NewPayment("p", "u", rub(t, "100"), "d", "", "", "", nil)
		assert.ErrorIs(t, err, ErrMissingReference)

		_, err = NewPayment("p", "u", rub(t, "100"), "d", "cons_1", "sub_1", "", nil)
		assert.ErrorIs(t, err, ErrAmbiguousReference)
	})

	t.Run("subscription reference alone is fine", func(t *testing.T) {
		p, err := NewPayment("p", "u", rub(t, "100"), "d", "", "sub_1", "", nil)
		require.NoError(t, err)
		assert.Equal(t, "sub_1", p.SubscriptionID)
	})
}

func TestStatusTransitions(t *testing.T) {
	legal := map[Status][]Status{
		StatusPending:           {StatusWaitingForCapture, StatusSucceeded, StatusFailed, StatusCanceled},
		StatusWaitingForCapture: {StatusSucceeded, StatusFailed, StatusCanceled},
		StatusSucceeded:         {StatusRefunded},
		StatusCanceled:          {},
		StatusFailed:            {},
		StatusRefunded:          {},
	}

	all := []Status{StatusPending, StatusWaitingForCapture, StatusSucceeded, StatusCanceled, StatusFailed, StatusRefunded}

	for from, targets := range legal {
		allowed := make(map[Status]bool, len(targets))
		for _, target := range targets {
			allowed[target] = true
		}
		for _, to := range all {
			assert.Equal(t, allowed[to], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestComplete(t *testing.T) {
	t.Run("from pending", func(t *testing.T) {
		p := newTestPayment(t, "1500.00")
		p.ClearEvents()

		require.NoError(t, p.Complete(MethodBankCard))
		assert.Equal(t, StatusSucceeded, p.Status)
		assert.Equal(t, MethodBankCard, p.Method)
		require.NotNil(t, p.CompletedAt)

		events := p.Events()
		require.Len(t, events, 1)
		assert.Equal(t, EventPaymentCompleted, events[0].EventType())
	})

	t.Run("from waiting for capture", func(t *testing.T) {
		p := newTestPayment(t, "1500.00")
		require.NoError(t, p.MarkWaitingForCapture())
		require.NoError(t, p.Complete(MethodSBP))
		assert.Equal(t, StatusSucceeded, p.Status)
	})

	t.Run("second completion is rejected", func(t *testing.T) {
		p := newTestPayment(t, "1500.00")
		require.NoError(t, p.Complete(MethodBankCard))
		assert.ErrorIs(t, p.Complete(MethodBankCard), ErrInvalidTransition)
	})

	t.Run("rejects unknown method", func(t *testing.T) {
		p := newTestPayment(t, "1500.00")
		assert.ErrorIs(t, p.Complete(Method("crypto")), ErrInvalidMethod)
	})

	t.Run("after cancel is rejected", func(t *testing.T) {
		p := newTestPayment(t, "1500.00")
		require.NoError(t, p.Cancel())
		assert.ErrorIs(t, p.Complete(MethodBankCard), ErrInvalidTransition)
	})
}

func TestFailAndCancel(t *testing.T) {
	t.Run("fail keeps the reason", func(t *testing.T) {
		p := newTestPayment(t, "1500.00")
		require.NoError(t, p.Fail("insufficient_funds"))
		assert.Equal(t, StatusFailed, p.Status)
		assert.Equal(t, "insufficient_funds", p.FailureReason)

		events := p.Events()
		failed, ok := events[len(events)-1].(PaymentFailed)
		require.True(t, ok)
		assert.Equal(t, "insufficient_funds", failed.Reason)
	})

	t.Run("cancel records timestamp", func(t *testing.T) {
		p := newTestPayment(t, "1500.00")
		require.NoError(t, p.Cancel())
		assert.Equal(t, StatusCanceled, p.Status)
		assert.NotNil(t, p.CanceledAt)

		events := p.Events()
		_, ok := events[len(events)-1].(PaymentCanceled)
		assert.True(t, ok)
	})

	t.Run("cancel after success is rejected", func(t *testing.T) {
		p := newTestPayment(t, "1500.00")
		require.NoError(t, p.Complete(MethodBankCard))
		assert.ErrorIs(t, p.Cancel(), ErrInvalidTransition)
	})
}

func TestRefund(t *testing.T) {
	succeeded := func(t *testing.T, amount string) *Payment {
		p := newTestPayment(t, amount)
		require.NoError(t, p.Complete(MethodBankCard))
		p.ClearEvents()
		return p
	}

	t.Run("partial refund keeps status succeeded", func(t *testing.T) {
		p := succeeded(t, "1000.00")
		require.NoError(t, p.Refund("ref_1", rub(t, "400.00"), "partial"))

		assert.Equal(t, StatusSucceeded, p.Status)
		assert.Equal(t, "400.00 RUB", p.RefundedAmount.String())
		assert.Equal(t, "600.00 RUB", p.RemainingRefundable().String())

		events := p.Events()
		require.Len(t, events, 1)
		refunded, ok := events[0].(PaymentRefunded)
		require.True(t, ok)
		assert.False(t, refunded.FullyRefunded)
	})

	t.Run("cumulative refunds reach refunded exactly", func(t *testing.T) {
		p := succeeded(t, "1000.00")
		require.NoError(t, p.Refund("ref_1", rub(t, "400.00"), ""))
		require.NoError(t, p.Refund("ref_2", rub(t, "600.00"), ""))

		assert.Equal(t, StatusRefunded, p.Status)
		require.NotNil(t, p.RefundedAt)
		assert.True(t, p.RemainingRefundable().IsZero())

		events := p.Events()
		require.Len(t, events, 2)
		final, ok := events[1].(PaymentRefunded)
		require.True(t, ok)
		assert.True(t, final.FullyRefunded)
		assert.Equal(t, "1000.00 RUB", final.TotalRefunded.String())
	})

	t.Run("refund may not exceed amount", func(t *testing.T) {
		p := succeeded(t, "1000.00")
		require.NoError(t, p.Refund("ref_1", rub(t, "800.00"), ""))
		assert.ErrorIs(t, p.Refund("ref_2", rub(t, "300.00"), ""), ErrRefundExceedsAmount)

		// The failed refund left no trace
		assert.Equal(t, "800.00 RUB", p.RefundedAmount.String())
		assert.Equal(t, StatusSucceeded, p.Status)
	})

	t.Run("refund requires succeeded", func(t *testing.T) {
		p := newTestPayment(t, "1000.00")
		assert.ErrorIs(t, p.Refund("ref_1", rub(t, "100"), ""), ErrNotSucceeded)
	})

	t.Run("no further refund once refunded", func(t *testing.T) {
		p := succeeded(t, "1000.00")
		require.NoError(t, p.Refund("ref_1", rub(t, "1000.00"), ""))
		assert.ErrorIs(t, p.Refund("ref_2", rub(t, "1.00"), ""), ErrNotSucceeded)
	})
}

func TestCommissionSplit(t *testing.T) {
	tests := []struct {
		amount     string
		commission string
		payout     string
	}{
		{"1500.00", "150.00", "1350.00"},
		{"999.99", "100.00", "899.99"}, // 99.999 rounds half-up
		{"1.00", "0.10", "0.90"},
		{"100.45", "10.05", "90.40"}, // 10.045 rounds half-up
		{"15000000.00", "1500000.00", "13500000.00"},
	}

	for _, tt := range tests {
		p := newTestPayment(t, tt.amount)
		commission := p.PlatformCommission()
		payout := p.LawyerPayout()

		assert.Equal(t, tt.commission+" RUB", commission.String(), "amount %s", tt.amount)
		assert.Equal(t, tt.payout+" RUB", payout.String(), "amount %s", tt.amount)

		// Conservation: split reconstructs the amount exactly
		total, err := payout.Add(commission)
		require.NoError(t, err)
		eq, err := total.Equal(p.Amount)
		require.NoError(t, err)
		assert.True(t, eq, "amount %s", tt.amount)
	}
}

func TestIsExpired(t *testing.T) {
	p := newTestPayment(t, "1500.00")
	now := p.CreatedAt

	assert.False(t, p.IsExpired(now.Add(PendingTimeout)))
	assert.True(t, p.IsExpired(now.Add(PendingTimeout+time.Second)))

	require.NoError(t, p.MarkWaitingForCapture())
	assert.False(t, p.IsExpired(now.Add(time.Hour)), "only PENDING payments expire")
}

func TestSetGatewayDetails(t *testing.T) {
	p := newTestPayment(t, "1500.00")
	require.NoError(t, p.SetGatewayDetails("gw_1", "https://pay.example/confirm"))
	assert.Equal(t, "gw_1", p.GatewayPaymentID)

	require.NoError(t, p.Complete(MethodBankCard))
	assert.ErrorIs(t, p.SetGatewayDetails("gw_2", ""), ErrNotPending)
}

func TestRehydrate(t *testing.T) {
	t.Run("rejects unknown status", func(t *testing.T) {
		_, err := Rehydrate(RehydrateParams{ID: "p", Status: Status("LIMBO")})
		assert.Error(t, err)
	})

	t.Run("records no events", func(t *testing.T) {
		p, err := Rehydrate(RehydrateParams{
			ID:     "p",
			UserID: "u",
			Amount: rub(t, "100"),
			Status: StatusSucceeded,
		})
		require.NoError(t, err)
		assert.Empty(t, p.Events())
	})
}
