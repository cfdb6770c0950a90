package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Test_ValidateCoinSymbol tests the ValidateCoinSymbol function with various inputs
func Test_ValidateCoinSymbol(t *testing.T) {
	tests := []struct {
		name        string
		symbol      string
		expectError bool
		errorMsg    string
		description string
	}{
		// Valid cases
		{
			name:        "Valid BTC",
			symbol:      "BTC",
			expectError: false,
			description: "Should accept plain uppercase symbol",
		},
		{
			name:        "Valid USDT",
			symbol:      "USDT",
			expectError: false,
			description: "Should accept four-letter symbol",
		},
		{
			name:        "Valid numeric mix",
			symbol:      "1INCH",
			expectError: false,
			description: "Should accept symbols containing digits",
		},
		{
			name:        "Valid cross-exchange form",
			symbol:      "BTC(Poloniex)",
			expectError: false,
			description: "Should accept exchange-qualified symbol",
		},
		{
			name:        "Valid cross-exchange form with space",
			symbol:      "ETH(Cross Exchange)",
			expectError: false,
			description: "Should accept exchange names with spaces",
		},

		// Invalid cases
		{
			name:        "Empty symbol",
			symbol:      "",
			expectError: true,
			errorMsg:    "symbol cannot be empty",
			description: "Should reject empty symbol",
		},
		{
			name:        "Lowercase symbol",
			symbol:      "btc",
			expectError: true,
			errorMsg:    "invalid currency symbol",
			description: "Should reject lowercase symbols",
		},
		{
			name:        "Too short",
			symbol:      "B",
			expectError: true,
			errorMsg:    "invalid currency symbol",
			description: "Should reject single-character symbols",
		},
		{
			name:        "Too long",
			symbol:      "ABCDEFGHIJK",
			expectError: true,
			errorMsg:    "invalid currency symbol",
			description: "Should reject overly long symbols",
		},
		{
			name:        "Whitespace in symbol",
			symbol:      "BT C",
			expectError: true,
			errorMsg:    "invalid currency symbol",
			description: "Should reject symbols with whitespace",
		},
		{
			name:        "Unclosed parenthesis",
			symbol:      "BTC(Poloniex",
			expectError: true,
			errorMsg:    "invalid currency symbol",
			description: "Should reject malformed exchange qualifier",
		},
		{
			name:        "Trailing whitespace",
			symbol:      "BTC ",
			expectError: true,
			errorMsg:    "invalid currency symbol",
			description: "Should reject trailing whitespace",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCoinSymbol(tt.symbol)

			if tt.expectError {
				assert.Error(t, err, tt.description)
				if tt.errorMsg != "" {
					assert.Contains(t, err.Error(), tt.errorMsg, "Error message should contain expected text")
				}
			} else {
				assert.NoError(t, err, tt.description)
			}
		})
	}
}

// Test_ValidatePairName tests canonical pair name validation
func Test_ValidatePairName(t *testing.T) {
	tests := []struct {
		name        string
		pair        string
		expectError bool
		errorMsg    string
	}{
		{name: "Valid pair", pair: "LTC/BTC", expectError: false},
		{name: "Valid cross pair", pair: "BTC(Poloniex)/BTC(Cryptopia)", expectError: false},
		{name: "Empty name", pair: "", expectError: true, errorMsg: "pair name cannot be empty"},
		{name: "Missing separator", pair: "LTCBTC", expectError: true, errorMsg: "expected BASE/QUOTE"},
		{name: "Empty base", pair: "/BTC", expectError: true, errorMsg: "invalid base"},
		{name: "Empty quote", pair: "LTC/", expectError: true, errorMsg: "invalid quote"},
		{name: "Lowercase base", pair: "ltc/BTC", expectError: true, errorMsg: "invalid base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePairName(tt.pair)
			if tt.expectError {
				assert.Error(t, err)
				if tt.errorMsg != "" {
					assert.Contains(t, err.Error(), tt.errorMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// Test_ValidateCoinSymbols tests the ValidateCoinSymbols function
func Test_ValidateCoinSymbols(t *testing.T) {
	tests := []struct {
		name        string
		symbols     []string
		maxAllowed  int
		expectError bool
		expectedErr error
		errorMsg    string
		description string
	}{
		// Valid cases
		{
			name:        "Valid single symbol",
			symbols:     []string{"BTC"},
			maxAllowed:  1,
			expectError: false,
			description: "Should accept single valid symbol",
		},
		{
			name:        "Valid multiple symbols",
			symbols:     []string{"BTC", "ETH", "LTC"},
			maxAllowed:  5,
			expectError: false,
			description: "Should accept multiple valid symbols",
		},
		{
			name:        "Maximum allowed symbols",
			symbols:     []string{"BTC", "ETH", "LTC"},
			maxAllowed:  3,
			expectError: false,
			description: "Should accept exactly maximum allowed symbols",
		},

		// Error cases - quantity validation
		{
			name:        "Empty symbols slice",
			symbols:     []string{},
			maxAllowed:  5,
			expectError: true,
			expectedErr: ErrNoSymbols,
			description: "Should reject empty symbols slice",
		},
		{
			name:        "Nil symbols slice",
			symbols:     nil,
			maxAllowed:  5,
			expectError: true,
			expectedErr: ErrNoSymbols,
			description: "Should reject nil symbols slice",
		},
		{
			name:        "Too many symbols",
			symbols:     []string{"BTC", "ETH", "LTC"},
			maxAllowed:  2,
			expectError: true,
			expectedErr: ErrTooManySymbols,
			errorMsg:    "requested 3 symbols, maximum allowed 2",
			description: "Should reject when symbols exceed maxAllowed",
		},
		{
			name:        "Zero maxAllowed",
			symbols:     []string{"BTC"},
			maxAllowed:  0,
			expectError: true,
			expectedErr: ErrTooManySymbols,
			errorMsg:    "max allowed must be positive, got 0",
			description: "Should reject zero maxAllowed",
		},
		{
			name:        "Negative maxAllowed",
			symbols:     []string{"BTC"},
			maxAllowed:  -1,
			expectError: true,
			expectedErr: ErrTooManySymbols,
			errorMsg:    "max allowed must be positive, got -1",
			description: "Should reject negative maxAllowed",
		},

		// Error cases - symbol validation
		{
			name:        "Invalid symbol in slice",
			symbols:     []string{"BTC", "invalid"},
			maxAllowed:  5,
			expectError: true,
			errorMsg:    "invalid symbol at index 1",
			description: "Should reject slice with invalid symbol",
		},
		{
			name:        "Empty symbol in slice",
			symbols:     []string{"BTC", ""},
			maxAllowed:  5,
			expectError: true,
			errorMsg:    "invalid symbol at index 1",
			description: "Should reject slice with empty symbol",
		},
		{
			name:        "Mixed valid and invalid symbols",
			symbols:     []string{"BTC", "ETH", "bad one", "LTC"},
			maxAllowed:  10,
			expectError: true,
			errorMsg:    "invalid symbol at index 2",
			description: "Should reject slice with any invalid symbol",
		},

		// Edge cases
		{
			name:        "Duplicate symbols",
			symbols:     []string{"BTC", "BTC"},
			maxAllowed:  5,
			expectError: false, // Function doesn't check for duplicates
			description: "Should not reject duplicate symbols (not its responsibility)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCoinSymbols(tt.symbols, tt.maxAllowed)

			if tt.expectError {
				assert.Error(t, err, tt.description)

				if tt.expectedErr != nil {
					assert.True(t, errors.Is(err, tt.expectedErr), "Should return expected error type")
				}

				if tt.errorMsg != "" {
					assert.Contains(t, err.Error(), tt.errorMsg, "Error message should contain expected text")
				}
			} else {
				assert.NoError(t, err, tt.description)
			}
		})
	}
}

// Test_ErrorVariables tests the package-level error variables
func Test_ErrorVariables(t *testing.T) {
	t.Run("ErrNoSymbols", func(t *testing.T) {
		assert.NotNil(t, ErrNoSymbols, "ErrNoSymbols should not be nil")
		assert.Equal(t, "zero symbols requested", ErrNoSymbols.Error(), "ErrNoSymbols should have expected message")
	})

	t.Run("ErrTooManySymbols", func(t *testing.T) {
		assert.NotNil(t, ErrTooManySymbols, "ErrTooManySymbols should not be nil")
		assert.Equal(t, "too many symbols requested", ErrTooManySymbols.Error(), "ErrTooManySymbols should have expected message")
	})
}

// Benchmark_ValidateCoinSymbol benchmarks the ValidateCoinSymbol function
func Benchmark_ValidateCoinSymbol(b *testing.B) {
	symbols := []string{
		"BTC",
		"ETH",
		"BTC(Poloniex)",
		"invalid one",
		"",
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		symbol := symbols[i%len(symbols)]
		ValidateCoinSymbol(symbol)
	}
}
