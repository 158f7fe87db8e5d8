package money

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	RUB Currency = "RUB"
	USD Currency = "USD"
	EUR Currency = "EUR"
)

// DefaultCurrency is the currency used when callers do not specify one
const DefaultCurrency = RUB

// CurrencyInfo contains metadata and creation bounds for a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int32
	Min        decimal.Decimal
	Max        decimal.Decimal
}

var currencies = map[Currency]CurrencyInfo{
	RUB: {Code: RUB, MinorUnits: 2, Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(15_000_000)},
	USD: {Code: USD, MinorUnits: 2, Min: decimal.RequireFromString("0.01"), Max: decimal.NewFromInt(200_000)},
	EUR: {Code: EUR, MinorUnits: 2, Min: decimal.RequireFromString("0.01"), Max: decimal.NewFromInt(200_000)},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// Validation and arithmetic errors
var (
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrNegativeAmount      = errors.New("amount must not be negative")
	ErrBelowMinimum        = errors.New("amount below currency minimum")
	ErrAboveMaximum        = errors.New("amount above currency maximum")
	ErrTooManyDecimals     = errors.New("amount has more than 2 decimal places")
	ErrPercentOutOfRange   = errors.New("percentage must be between 0 and 1")
)

// Money is an immutable currency-typed decimal amount. The zero value is
// not valid; construct through New, FromMinorUnits or Zero.
type Money struct {
	amount   decimal.Decimal
	currency Currency
}

// New creates a Money value, enforcing the currency's creation bounds:
// supported currency, amount within [min, max], at most two decimal places.
func New(amount decimal.Decimal, currency Currency) (Money, error) {
	info, ok := currencies[currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	if err := checkScale(amount); err != nil {
		return Money{}, err
	}
	if amount.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	if amount.LessThan(info.Min) {
		return Money{}, fmt.Errorf("%w: %s %s < %s", ErrBelowMinimum, amount, currency, info.Min)
	}
	if amount.GreaterThan(info.Max) {
		return Money{}, fmt.Errorf("%w: %s %s > %s", ErrAboveMaximum, amount, currency, info.Max)
	}
	return Money{amount: amount, currency: currency}, nil
}

// NewFromString creates a Money value from a decimal string such as "1500.00"
func NewFromString(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount: %w", err)
	}
	return New(d, currency)
}

// Zero returns a zero amount for a currency. Zero bypasses the creation
// minimum; it exists for refund bookkeeping, not for payment creation.
func Zero(currency Currency) Money {
	return Money{amount: decimal.Zero, currency: currency}
}

// FromMinorUnits converts a gateway minor-unit integer (kopecks, cents)
// into a Money value.
func FromMinorUnits(n int64, currency Currency) (Money, error) {
	info, ok := currencies[currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	amount := decimal.New(n, -info.MinorUnits)
	return newResult(amount, currency)
}

// Restore reconstructs a stored amount. Stored values were validated on
// the way in, so only result-level checks apply: partial-refund balances
// and zero are legal here even though New would reject them.
func Restore(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount: %w", err)
	}
	return newResult(d, currency)
}

// newResult validates an arithmetic result. Results may fall below the
// creation minimum (partial refunds, commissions on small amounts) but
// must stay non-negative, within range and at two decimal places.
func newResult(amount decimal.Decimal, currency Currency) (Money, error) {
	info, ok := currencies[currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	if err := checkScale(amount); err != nil {
		return Money{}, err
	}
	if amount.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	if amount.GreaterThan(info.Max) {
		return Money{}, fmt.Errorf("%w: %s %s > %s", ErrAboveMaximum, amount, currency, info.Max)
	}
	return Money{amount: amount, currency: currency}, nil
}

func checkScale(amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: %s", ErrTooManyDecimals, amount)
	}
	return nil
}

// Amount returns the decimal amount
func (m Money) Amount() decimal.Decimal {
	return m.amount
}

// Currency returns the currency code
func (m Money) Currency() Currency {
	return m.currency
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.amount.IsPositive()
}

// MinorUnits converts the amount to the gateway's minor-unit integer
// representation, rounding half-up at the minor-unit boundary. This is the
// only rounding point when crossing the gateway boundary.
func (m Money) MinorUnits() int64 {
	info := currencies[m.currency]
	return m.amount.Shift(info.MinorUnits).Round(0).IntPart()
}

// Add returns m + other (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return newResult(m.amount.Add(other.amount), m.currency)
}

// Sub returns m - other (must be same currency; result must not be negative)
func (m Money) Sub(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return newResult(m.amount.Sub(other.amount), m.currency)
}

// MulScalar returns m multiplied by an integer factor
func (m Money) MulScalar(factor int64) (Money, error) {
	return newResult(m.amount.Mul(decimal.NewFromInt(factor)), m.currency)
}

// Percent applies a percentage p in [0, 1], rounding half-up to two
// decimal places.
func (m Money) Percent(p decimal.Decimal) (Money, error) {
	if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(1)) {
		return Money{}, fmt.Errorf("%w: %s", ErrPercentOutOfRange, p)
	}
	return newResult(m.amount.Mul(p).Round(2), m.currency)
}

// GreaterThan reports m > other, erroring on currency mismatch rather than
// silently returning false.
func (m Money) GreaterThan(other Money) (bool, error) {
	if m.currency != other.currency {
		return false, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return m.amount.GreaterThan(other.amount), nil
}

// LessThan reports m < other, erroring on currency mismatch
func (m Money) LessThan(other Money) (bool, error) {
	if m.currency != other.currency {
		return false, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return m.amount.LessThan(other.amount), nil
}

// Equal reports m == other, erroring on currency mismatch
func (m Money) Equal(other Money) (bool, error) {
	if m.currency != other.currency {
		return false, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return m.amount.Equal(other.amount), nil
}

// String returns a human-readable representation
func (m Money) String() string {
	info := currencies[m.currency]
	return fmt.Sprintf("%s %s", m.amount.StringFixed(info.MinorUnits), m.currency)
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON implements json.Marshaler. Amounts travel as strings so they
// never pass through float64.
func (m Money) MarshalJSON() ([]byte, error) {
	info := currencies[m.currency]
	return json.Marshal(moneyJSON{
		Amount:   m.amount.StringFixed(info.MinorUnits),
		Currency: string(m.currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v moneyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	d, err := decimal.NewFromString(v.Amount)
	if err != nil {
		return fmt.Errorf("parsing amount: %w", err)
	}
	parsed, err := newResult(d, Currency(v.Currency))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Sum adds up multiple money values
func Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Money{}, errors.New("no amounts to sum")
	}
	result := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
