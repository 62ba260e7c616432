// Package money provides the immutable amount+currency value used across the
// agreement and escrow aggregates. Amounts are exact decimals; comparisons
// between different currencies fail loudly instead of coercing.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"escrowflow/fault"
)

var (
	// ErrNegativeAmount rejects construction or subtraction below zero.
	ErrNegativeAmount = fault.New("MoneyNegativeAmount", "money: amount cannot be negative")
	// ErrCurrencyMismatch signals an operation across two different currencies.
	ErrCurrencyMismatch = fault.New("CurrencyMismatch", "money: currency mismatch")
	// ErrInvalidCurrency rejects currency codes that are not 3-letter ISO-like codes.
	ErrInvalidCurrency = fault.New("MoneyInvalidCurrency", "money: currency must be a 3-letter code")
)

// Money is an immutable amount in a single currency.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// New builds Money from an exact decimal amount and a 3-letter currency code.
func New(amount decimal.Decimal, currency string) (Money, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return Money{}, ErrInvalidCurrency
	}
	if amount.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	return Money{amount: amount, currency: currency}, nil
}

// MustNew is New panicking on invalid input. For literals in tests and seeds.
func MustNew(amount string, currency string) Money {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		panic(fmt.Sprintf("money: parse %q: %v", amount, err))
	}
	m, err := New(d, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns the zero value in the given currency.
func Zero(currency string) (Money, error) {
	return New(decimal.Zero, currency)
}

// Amount returns the decimal amount.
func (m Money) Amount() decimal.Decimal { return m.amount }

// Currency returns the 3-letter currency code.
func (m Money) Currency() string { return m.currency }

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.amount.IsZero() }

// IsPositive reports whether the amount is strictly above zero.
func (m Money) IsPositive() bool { return m.amount.IsPositive() }

func (m Money) String() string {
	return m.amount.String() + " " + m.currency
}

// Add returns m + other in the shared currency.
func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.currency}, nil
}

// Sub returns m - other; a negative result is rejected.
func (m Money) Sub(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, ErrCurrencyMismatch
	}
	result := m.amount.Sub(other.amount)
	if result.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	return Money{amount: result, currency: m.currency}, nil
}

// Mul scales the amount by a non-negative factor.
func (m Money) Mul(factor decimal.Decimal) (Money, error) {
	if factor.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	return Money{amount: m.amount.Mul(factor), currency: m.currency}, nil
}

// Cmp compares m against other: -1, 0, or +1.
func (m Money) Cmp(other Money) (int, error) {
	if m.currency != other.currency {
		return 0, ErrCurrencyMismatch
	}
	return m.amount.Cmp(other.amount), nil
}

// LessThan reports m < other.
func (m Money) LessThan(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return c < 0, err
}

// GreaterThan reports m > other.
func (m Money) GreaterThan(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return c > 0, err
}

// Equal reports m == other, including currency.
func (m Money) Equal(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}

// Ratio returns m / base as a plain decimal. Base must be same-currency and
// non-zero.
func (m Money) Ratio(base Money) (decimal.Decimal, error) {
	if m.currency != base.currency {
		return decimal.Zero, ErrCurrencyMismatch
	}
	if base.amount.IsZero() {
		return decimal.Zero, fmt.Errorf("money: ratio against zero base")
	}
	return m.amount.Div(base.amount), nil
}
