// Package utils provides common utility functions for data validation.
//
// This package contains validation helpers for currency symbols and trading
// pair names as they appear in configuration and subscription requests.
package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
)

// symbolPattern matches plain currency symbols ("BTC", "USDT").
var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

// crossSymbolPattern matches exchange-qualified symbols synthesized for
// cross-exchange pairs ("BTC(Poloniex)").
var crossSymbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}\([A-Za-z0-9_\- ]+\)$`)

// ValidateCoinSymbol validates a currency symbol.
//
// Plain symbols are 2 to 10 uppercase alphanumeric characters. The
// exchange-qualified form "SYM(Exchange)" used on the synthetic
// cross-exchange venue is also accepted.
func ValidateCoinSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol cannot be empty")
	}
	if symbolPattern.MatchString(symbol) || crossSymbolPattern.MatchString(symbol) {
		return nil
	}
	return fmt.Errorf("invalid currency symbol %q", symbol)
}

// ValidatePairName validates a canonical pair name of the form "BASE/QUOTE".
func ValidatePairName(name string) error {
	if name == "" {
		return errors.New("pair name cannot be empty")
	}
	base, quote, found := strings.Cut(name, "/")
	if !found {
		return fmt.Errorf("invalid pair name: expected BASE/QUOTE, got %q", name)
	}
	if err := ValidateCoinSymbol(base); err != nil {
		return fmt.Errorf("invalid base in %q: %w", name, err)
	}
	if err := ValidateCoinSymbol(quote); err != nil {
		return fmt.Errorf("invalid quote in %q: %w", name, err)
	}
	return nil
}

// ValidateCoinSymbols validates a slice of currency symbols and enforces
// quantity limits.
//
// This function performs two types of validation:
//  1. Quantity validation: Ensures the number of symbols is within limits
//  2. Format validation: Validates each symbol using ValidateCoinSymbol
func ValidateCoinSymbols(symbols []string, maxAllowed int) error {
	if len(symbols) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(symbols) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(symbols), maxAllowed)
	}

	for i, symbol := range symbols {
		if err := ValidateCoinSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}
