package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func btc(s string) Amount {
	return Amount{Value: decimal.RequireFromString(s), Currency: "BTC"}
}

func usdt(s string) Amount {
	return Amount{Value: decimal.RequireFromString(s), Currency: "USDT"}
}

func Test_AmtFromString(t *testing.T) {
	t.Run("valid decimal", func(t *testing.T) {
		a, err := AmtFromString("1.25", "BTC")
		require.NoError(t, err)
		assert.True(t, a.Value.Equal(decimal.RequireFromString("1.25")))
		assert.Equal(t, "BTC", a.Currency)
	})

	t.Run("invalid decimal", func(t *testing.T) {
		_, err := AmtFromString("one point five", "BTC")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid BTC amount")
	})
}

func Test_Amount_Arithmetic(t *testing.T) {
	t.Run("add same currency", func(t *testing.T) {
		got := btc("1.5").Add(btc("0.25"))
		assert.True(t, got.Value.Equal(decimal.RequireFromString("1.75")))
		assert.Equal(t, "BTC", got.Currency)
	})

	t.Run("sub same currency", func(t *testing.T) {
		got := btc("1.5").Sub(btc("0.25"))
		assert.True(t, got.Value.Equal(decimal.RequireFromString("1.25")))
	})

	t.Run("cmp same currency", func(t *testing.T) {
		assert.Equal(t, -1, btc("1").Cmp(btc("2")))
		assert.Equal(t, 0, btc("2").Cmp(btc("2")))
		assert.Equal(t, 1, btc("3").Cmp(btc("2")))
	})

	t.Run("add cross currency panics", func(t *testing.T) {
		assert.Panics(t, func() { btc("1").Add(usdt("1")) })
	})

	t.Run("sub cross currency panics", func(t *testing.T) {
		assert.Panics(t, func() { btc("1").Sub(usdt("1")) })
	})

	t.Run("cmp cross currency panics", func(t *testing.T) {
		assert.Panics(t, func() { btc("1").Cmp(usdt("1")) })
	})
}

func Test_Amount_MulPrice(t *testing.T) {
	// 2 BTC at 50000 USDT per BTC is 100000 USDT.
	volume := btc("2")
	price := usdt("50000")

	got := volume.MulPrice(price)

	assert.True(t, got.Value.Equal(decimal.RequireFromString("100000")))
	assert.Equal(t, "USDT", got.Currency)
}

func Test_Amount_Predicates(t *testing.T) {
	assert.True(t, btc("1").In("BTC"))
	assert.False(t, btc("1").In("USDT"))
	assert.True(t, btc("1").SameCurrency(btc("2")))
	assert.False(t, btc("1").SameCurrency(usdt("1")))
	assert.True(t, btc("0.0001").IsPositive())
	assert.False(t, Zero("BTC").IsPositive())
	assert.False(t, btc("-1").IsPositive())
	assert.True(t, Zero("BTC").IsZero())
	assert.False(t, btc("1").IsZero())
}

func Test_Amount_String(t *testing.T) {
	assert.Equal(t, "1.5 BTC", btc("1.5").String())
	assert.Equal(t, "0 USDT", Zero("USDT").String())
}
