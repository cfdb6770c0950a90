// Package model defines the core data types of the exchange synchronization engine.
//
// This package contains the in-memory market model shared by every exchange
// instance: coins, trading pairs and their order-book ladders, balances with
// client-side holds, open positions and historic fills. All monetary values
// use decimal.Decimal wrapped in a unit-tagged Amount to avoid floating-point
// precision issues and to catch cross-currency arithmetic mistakes early.
package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a unit-tagged monetary value.
//
// Every amount carries the symbol of the currency it is denominated in.
// Arithmetic and comparison between amounts of different currencies is a
// programming error and panics; code that receives amounts from outside
// (order placement, configuration) must validate units with SameCurrency
// before doing arithmetic.
type Amount struct {
	Value    decimal.Decimal // Numeric value (precise decimal)
	Currency string          // Currency symbol this value is denominated in (e.g. "BTC")
}

// Amt constructs an Amount from a decimal value and a currency symbol.
func Amt(value decimal.Decimal, currency string) Amount {
	return Amount{Value: value, Currency: currency}
}

// AmtFromString parses a decimal string into an Amount.
func AmtFromString(value, currency string) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid %s amount %q: %w", currency, value, err)
	}
	return Amount{Value: d, Currency: currency}, nil
}

// Zero returns the zero amount in the given currency.
func Zero(currency string) Amount {
	return Amount{Currency: currency}
}

// SameCurrency reports whether both amounts are denominated in the same currency.
func (a Amount) SameCurrency(b Amount) bool {
	return a.Currency == b.Currency
}

// In reports whether the amount is denominated in the given currency.
func (a Amount) In(currency string) bool {
	return a.Currency == currency
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool {
	return a.Value.IsPositive()
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.Value.IsZero()
}

// Add returns a + b. Panics if the currencies differ.
func (a Amount) Add(b Amount) Amount {
	a.assertSame(b)
	return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency}
}

// Sub returns a - b. Panics if the currencies differ.
func (a Amount) Sub(b Amount) Amount {
	a.assertSame(b)
	return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency}
}

// Cmp compares a and b, returning -1, 0 or +1. Panics if the currencies differ.
func (a Amount) Cmp(b Amount) int {
	a.assertSame(b)
	return a.Value.Cmp(b.Value)
}

// MulPrice converts a base-denominated volume into the quote currency using
// a price expressed as quote units per base unit.
func (a Amount) MulPrice(price Amount) Amount {
	return Amount{Value: a.Value.Mul(price.Value), Currency: price.Currency}
}

// String renders the amount as "<value> <currency>".
func (a Amount) String() string {
	return a.Value.String() + " " + a.Currency
}

func (a Amount) assertSame(b Amount) {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("currency mismatch: %s vs %s", a.Currency, b.Currency))
	}
}
