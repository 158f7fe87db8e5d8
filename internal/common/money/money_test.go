package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRUB(t *testing.T, s string) Money {
	t.Helper()
	m, err := NewFromString(s, RUB)
	require.NoError(t, err)
	return m
}

func TestNew(t *testing.T) {
	t.Run("accepts amount within bounds", func(t *testing.T) {
		m, err := NewFromString("1500.00", RUB)
		require.NoError(t, err)
		assert.Equal(t, RUB, m.Currency())
		assert.Equal(t, "1500.00 RUB", m.String())
	})

	t.Run("accepts bounds exactly", func(t *testing.T) {
		_, err := NewFromString("1", RUB)
		assert.NoError(t, err)

		_, err = NewFromString("15000000", RUB)
		assert.NoError(t, err)
	})

	t.Run("rejects below minimum", func(t *testing.T) {
		_, err := NewFromString("0.99", RUB)
		assert.ErrorIs(t, err, ErrBelowMinimum)

		_, err = NewFromString("0", RUB)
		assert.ErrorIs(t, err, ErrBelowMinimum)
	})

	t.Run("rejects above maximum", func(t *testing.T) {
		_, err := NewFromString("15000000.01", RUB)
		assert.ErrorIs(t, err, ErrAboveMaximum)
	})

	t.Run("rejects negative", func(t *testing.T) {
		_, err := NewFromString("-5", RUB)
		assert.ErrorIs(t, err, ErrNegativeAmount)
	})

	t.Run("rejects more than two decimal places", func(t *testing.T) {
		_, err := NewFromString("10.005", RUB)
		assert.ErrorIs(t, err, ErrTooManyDecimals)
	})

	t.Run("rejects unsupported currency", func(t *testing.T) {
		_, err := NewFromString("100", Currency("GBP"))
		assert.ErrorIs(t, err, ErrUnsupportedCurrency)
	})

	t.Run("per-currency minimums differ", func(t *testing.T) {
		_, err := NewFromString("0.01", USD)
		assert.NoError(t, err)

		_, err = NewFromString("0.01", RUB)
		assert.ErrorIs(t, err, ErrBelowMinimum)
	})
}

func TestRestore(t *testing.T) {
	t.Run("accepts stored zero", func(t *testing.T) {
		m, err := Restore("0", RUB)
		require.NoError(t, err)
		assert.True(t, m.IsZero())
	})

	t.Run("accepts below creation minimum", func(t *testing.T) {
		m, err := Restore("0.50", RUB)
		require.NoError(t, err)
		assert.Equal(t, "0.50 RUB", m.String())
	})

	t.Run("still rejects negative", func(t *testing.T) {
		_, err := Restore("-1", RUB)
		assert.ErrorIs(t, err, ErrNegativeAmount)
	})
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{"1500.00", 150000},
		{"1.00", 100},
		{"999.99", 99999},
		{"15000000.00", 1500000000},
	}

	for _, tt := range tests {
		m := mustRUB(t, tt.amount)
		assert.Equal(t, tt.want, m.MinorUnits(), "amount %s", tt.amount)
	}
}

func TestFromMinorUnits(t *testing.T) {
	m, err := FromMinorUnits(150000, RUB)
	require.NoError(t, err)
	assert.Equal(t, "1500.00 RUB", m.String())

	// Round trip
	assert.Equal(t, int64(150000), m.MinorUnits())
}

func TestArithmetic(t *testing.T) {
	t.Run("add", func(t *testing.T) {
		sum, err := mustRUB(t, "100.50").Add(mustRUB(t, "200.25"))
		require.NoError(t, err)
		assert.Equal(t, "300.75 RUB", sum.String())
	})

	t.Run("add rejects currency mismatch", func(t *testing.T) {
		usd, err := NewFromString("100", USD)
		require.NoError(t, err)

		_, err = mustRUB(t, "100").Add(usd)
		assert.ErrorIs(t, err, ErrCurrencyMismatch)
	})

	t.Run("sub can reach zero", func(t *testing.T) {
		diff, err := mustRUB(t, "100").Sub(mustRUB(t, "100"))
		require.NoError(t, err)
		assert.True(t, diff.IsZero())
	})

	t.Run("sub rejects negative result", func(t *testing.T) {
		_, err := mustRUB(t, "100").Sub(mustRUB(t, "100.01"))
		assert.ErrorIs(t, err, ErrNegativeAmount)
	})

	t.Run("add rejects overflow past maximum", func(t *testing.T) {
		_, err := mustRUB(t, "15000000").Add(mustRUB(t, "1"))
		assert.ErrorIs(t, err, ErrAboveMaximum)
	})
}

func TestPercent(t *testing.T) {
	ten := decimal.RequireFromString("0.10")

	t.Run("exact", func(t *testing.T) {
		c, err := mustRUB(t, "1500.00").Percent(ten)
		require.NoError(t, err)
		assert.Equal(t, "150.00 RUB", c.String())
	})

	t.Run("rounds half up", func(t *testing.T) {
		// 999.99 * 0.10 = 99.999 -> 100.00
		c, err := mustRUB(t, "999.99").Percent(ten)
		require.NoError(t, err)
		assert.Equal(t, "100.00 RUB", c.String())

		// 100.45 * 0.10 = 10.045 -> 10.05
		c, err = mustRUB(t, "100.45").Percent(ten)
		require.NoError(t, err)
		assert.Equal(t, "10.05 RUB", c.String())
	})

	t.Run("rejects out of range", func(t *testing.T) {
		_, err := mustRUB(t, "100").Percent(decimal.RequireFromString("1.1"))
		assert.ErrorIs(t, err, ErrPercentOutOfRange)
	})
}

func TestComparisons(t *testing.T) {
	a := mustRUB(t, "100")
	b := mustRUB(t, "200")

	gt, err := b.GreaterThan(a)
	require.NoError(t, err)
	assert.True(t, gt)

	lt, err := a.LessThan(b)
	require.NoError(t, err)
	assert.True(t, lt)

	eq, err := a.Equal(mustRUB(t, "100.00"))
	require.NoError(t, err)
	assert.True(t, eq)

	usd, err := NewFromString("100", USD)
	require.NoError(t, err)
	_, err = a.Equal(usd)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestJSON(t *testing.T) {
	t.Run("marshals as string amount", func(t *testing.T) {
		raw, err := json.Marshal(mustRUB(t, "1500.5"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"amount":"1500.50","currency":"RUB"}`, string(raw))
	})

	t.Run("round trips", func(t *testing.T) {
		var m Money
		require.NoError(t, json.Unmarshal([]byte(`{"amount":"99.99","currency":"RUB"}`), &m))
		assert.Equal(t, "99.99 RUB", m.String())
	})

	t.Run("rejects bad currency", func(t *testing.T) {
		var m Money
		err := json.Unmarshal([]byte(`{"amount":"10","currency":"XXX"}`), &m)
		assert.ErrorIs(t, err, ErrUnsupportedCurrency)
	})
}

func TestSum(t *testing.T) {
	total, err := Sum(mustRUB(t, "100"), mustRUB(t, "200"), mustRUB(t, "50.50"))
	require.NoError(t, err)
	assert.Equal(t, "350.50 RUB", total.String())

	_, err = Sum()
	assert.Error(t, err)
}
