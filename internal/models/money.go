package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is the ISO code used when no currency is configured.
const DefaultCurrency = "usd"

var hundred = decimal.NewFromInt(100)

// Money is an amount in a single currency. Amounts are kept as decimals so
// that prices like 9.99 never pass through float64.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney builds a Money value, normalising the currency code to lower case.
func NewMoney(amount decimal.Decimal, currency string) Money {
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{Amount: amount, Currency: strings.ToLower(currency)}
}

// MustParseMoney parses a decimal string such as "9.99". It panics on bad
// input and is intended for fixtures and constants.
func MustParseMoney(amount, currency string) Money {
	return NewMoney(decimal.RequireFromString(amount), currency)
}

// MinorUnits returns the amount in the currency's smallest unit (cents).
func (m Money) MinorUnits() int64 {
	return m.Amount.Mul(hundred).Round(0).IntPart()
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// Equal compares amount and currency.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(2), strings.ToUpper(m.Currency))
}
