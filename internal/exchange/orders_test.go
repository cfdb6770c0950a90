package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesync/internal/model"
)

// seedMarket registers a BTC/USDT pair with a small book and gives both
// coins the same available balance.
func (h *harness) seedMarket(available int64) *model.TradingPair {
	h.t.Helper()
	var pair *model.TradingPair
	asOf := time.Now()
	h.onQueue(func() {
		h.ex.mu.Lock()
		defer h.ex.mu.Unlock()
		base := h.ex.coinGetOrAddLocked("BTC")
		quote := h.ex.coinGetOrAddLocked("USDT")
		pair = h.ex.pairEnsureLocked(base, quote)
		pair.SetBook(
			[]model.Offer{{
				Price:  model.Amt(decimal.NewFromInt(99), "USDT"),
				Volume: model.Amt(decimal.NewFromInt(5), "BTC"),
			}},
			[]model.Offer{{
				Price:  model.Amt(decimal.NewFromInt(101), "USDT"),
				Volume: model.Amt(decimal.NewFromInt(5), "BTC"),
			}},
		)
		for _, sym := range []string{"BTC", "USDT"} {
			amt := model.Amt(decimal.NewFromInt(available), sym)
			zero := model.Zero(sym)
			h.ex.applyBalanceLocked(sym, amt, amt, zero, zero, zero, asOf)
		}
	})
	return pair
}

func vol(v int64, currency string) model.Amount {
	return model.Amt(decimal.NewFromInt(v), currency)
}

func Test_CreateOrder_Validation(t *testing.T) {
	h := newHarness(t, nil)
	pair := h.seedMarket(10)
	ctx := context.Background()

	t.Run("nil pair", func(t *testing.T) {
		_, err := h.ex.CreateOrder(ctx, model.B2Q, nil, vol(1, "BTC"), vol(100, "USDT"))
		assert.ErrorIs(t, err, ErrWrongExchange)
	})

	t.Run("pair from another exchange", func(t *testing.T) {
		foreign := model.NewTradingPair(
			&model.Coin{Symbol: "BTC", Exchange: "OtherEx"},
			&model.Coin{Symbol: "USDT", Exchange: "OtherEx"},
		)
		_, err := h.ex.CreateOrder(ctx, model.B2Q, foreign, vol(1, "BTC"), vol(100, "USDT"))
		assert.ErrorIs(t, err, ErrWrongExchange)
	})

	t.Run("same name but unregistered instance", func(t *testing.T) {
		clone := model.NewTradingPair(
			&model.Coin{Symbol: "BTC", Exchange: "TestEx"},
			&model.Coin{Symbol: "USDT", Exchange: "TestEx"},
		)
		_, err := h.ex.CreateOrder(ctx, model.B2Q, clone, vol(1, "BTC"), vol(100, "USDT"))
		assert.ErrorIs(t, err, ErrWrongExchange)
	})

	t.Run("non-positive volume", func(t *testing.T) {
		_, err := h.ex.CreateOrder(ctx, model.B2Q, pair, vol(0, "BTC"), vol(100, "USDT"))
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("non-positive price", func(t *testing.T) {
		_, err := h.ex.CreateOrder(ctx, model.B2Q, pair, vol(1, "BTC"), vol(-1, "USDT"))
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("volume in wrong currency", func(t *testing.T) {
		_, err := h.ex.CreateOrder(ctx, model.B2Q, pair, vol(1, "USDT"), vol(100, "USDT"))
		assert.ErrorIs(t, err, ErrInvalidUnit)
	})

	t.Run("price in wrong currency", func(t *testing.T) {
		_, err := h.ex.CreateOrder(ctx, model.B2Q, pair, vol(1, "BTC"), vol(100, "BTC"))
		assert.ErrorIs(t, err, ErrInvalidUnit)
	})
}

func Test_CreateOrder_InsufficientBalance(t *testing.T) {
	h := newHarness(t, nil)
	pair := h.seedMarket(10)

	_, err := h.ex.CreateOrder(context.Background(), model.B2Q, pair, vol(20, "BTC"), vol(100, "USDT"))

	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, "10", h.ex.Available("BTC").Value.String(), "no hold left behind")
}

func Test_CreateOrder_Simulated(t *testing.T) {
	h := newHarness(t, nil)
	pair := h.seedMarket(10)

	id, err := h.ex.CreateOrder(context.Background(), model.B2Q, pair, vol(1, "BTC"), vol(100, "USDT"))
	require.NoError(t, err)
	assert.True(t, id.Simulated)
	assert.NotZero(t, id.Value)

	// The position is recorded through the queue; once visible the hold's
	// predicate releases the reservation.
	require.Eventually(t, func() bool {
		_, ok := h.ex.Position(id)
		return ok
	}, time.Second, 2*time.Millisecond)

	pos, _ := h.ex.Position(id)
	assert.Equal(t, model.B2Q, pos.Type)
	assert.Equal(t, "1", pos.Volume.Value.String())
	assert.Equal(t, "BTC", pos.Volume.Currency)
	assert.Equal(t, "100", pos.Price.Value.String())
	assert.Equal(t, "USDT", pos.Price.Currency)

	require.Eventually(t, func() bool {
		return h.ex.Available("BTC").Value.Equal(decimal.NewFromInt(10))
	}, time.Second, 2*time.Millisecond, "hold released once the order is visible")

	// Local fill prediction consumed the matched bid level.
	bids, _, ok := h.ex.BookSnapshot("BTC/USDT")
	require.True(t, ok)
	require.Len(t, bids, 1)
	assert.Equal(t, "4", bids[0].Volume.Value.String())
}

func Test_CreateOrder_SimulatedFillCommission(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Fee = decimal.RequireFromString("0.002") })
	pair := h.seedMarket(10)

	id, err := h.ex.CreateOrder(context.Background(), model.B2Q, pair, vol(1, "BTC"), vol(100, "USDT"))
	require.NoError(t, err)
	require.True(t, id.Simulated)

	require.Eventually(t, func() bool {
		_, ok := h.ex.Fill(id)
		return ok
	}, time.Second, 2*time.Millisecond)

	fill, _ := h.ex.Fill(id)
	require.Len(t, fill.Trades, 1)
	tr := fill.Trades[id.Value]
	require.NotNil(t, tr)

	// Sold 1 BTC at 100 USDT each; the fee fraction is charged on the
	// received side.
	assert.Equal(t, "1", tr.VolumeOut.Value.String())
	assert.Equal(t, "BTC", tr.VolumeOut.Currency)
	assert.Equal(t, "100", tr.VolumeIn.Value.String())
	assert.Equal(t, "USDT", tr.VolumeIn.Currency)
	assert.Equal(t, "0.2", tr.Commission.Value.String())
	assert.Equal(t, "USDT", tr.Commission.Currency)
}

func Test_CreateOrder_QuoteToBaseNormalization(t *testing.T) {
	h := newHarness(t, nil)
	pair := h.seedMarket(1000)

	// Selling 100 USDT at 0.01 BTC per USDT is buying 1 BTC at 100 USDT
	// per BTC in canonical terms.
	price, err := model.AmtFromString("0.01", "BTC")
	require.NoError(t, err)

	id, err := h.ex.CreateOrder(context.Background(), model.Q2B, pair, vol(100, "USDT"), price)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := h.ex.Position(id)
		return ok
	}, time.Second, 2*time.Millisecond)

	pos, _ := h.ex.Position(id)
	assert.Equal(t, "1", pos.Volume.Value.String())
	assert.Equal(t, "BTC", pos.Volume.Currency)
	assert.Equal(t, "100", pos.Price.Value.String())
	assert.Equal(t, "USDT", pos.Price.Currency)

	// Buying base matches the ask side.
	_, asks, ok := h.ex.BookSnapshot("BTC/USDT")
	require.True(t, ok)
	require.Len(t, asks, 1)
	assert.Equal(t, "4", asks[0].Volume.Value.String())
}

func Test_CreateOrder_ConcurrentDoubleSubmit(t *testing.T) {
	h := newHarness(t, nil)
	pair := h.seedMarket(10)

	// Two concurrent 7 BTC orders against a 10 BTC balance: the atomic
	// check-and-hold guarantees exactly one rejection.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ex.CreateOrder(context.Background(), model.B2Q, pair, vol(7, "BTC"), vol(100, "USDT"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var rejected, accepted int
	for err := range errs {
		switch {
		case err == nil:
			accepted++
		default:
			require.ErrorIs(t, err, ErrInsufficientBalance)
			rejected++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)
}

func Test_CreateOrder_CancelledDuringSimLatency(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SimLatency = time.Minute })
	pair := h.seedMarket(10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := h.ex.CreateOrder(ctx, model.B2Q, pair, vol(1, "BTC"), vol(100, "USDT"))
	require.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		return h.ex.Available("BTC").Value.Equal(decimal.NewFromInt(10))
	}, time.Second, 2*time.Millisecond, "hold released on abandonment")
	assert.Empty(t, h.ex.Positions())
}

func Test_CreateOrder_Live(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.LiveTrading = true })
	pair := h.seedMarket(10)
	h.drv.orderResult = OrderResult{OrderID: model.RealOrderID(555)}

	id, err := h.ex.CreateOrder(context.Background(), model.B2Q, pair, vol(1, "BTC"), vol(100, "USDT"))
	require.NoError(t, err)
	assert.Equal(t, model.RealOrderID(555), id)
	assert.Equal(t, int32(1), h.drv.orderCalls.Load())

	require.Eventually(t, func() bool {
		_, ok := h.ex.Position(id)
		return ok
	}, time.Second, 2*time.Millisecond)

	// With live trading the hold has no predicate and survives until the
	// next authoritative balance refresh clears it.
	held := h.ex.Balance("BTC")
	assert.Equal(t, 1, held.Holds())
	assert.Equal(t, "9", h.ex.Available("BTC").Value.String())

	asOf := time.Now().Add(time.Second)
	h.onQueue(func() {
		h.ex.mu.Lock()
		defer h.ex.mu.Unlock()
		amt := vol(9, "BTC")
		zero := model.Zero("BTC")
		h.ex.applyBalanceLocked("BTC", amt, amt, zero, zero, zero, asOf)
	})
	cleared := h.ex.Balance("BTC")
	assert.Equal(t, 0, cleared.Holds())
	assert.Equal(t, "9", h.ex.Available("BTC").Value.String())
}

func Test_CreateOrder_TradeIDFallback(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.LiveTrading = true })
	pair := h.seedMarket(10)

	// Venue fills immediately and reports only the trade id.
	h.drv.orderResult = OrderResult{TradeIDs: []int64{77}}

	id, err := h.ex.CreateOrder(context.Background(), model.B2Q, pair, vol(1, "BTC"), vol(100, "USDT"))
	require.NoError(t, err)
	assert.Equal(t, model.RealOrderID(77), id)

	require.Eventually(t, func() bool {
		_, ok := h.ex.Fill(id)
		return ok
	}, time.Second, 2*time.Millisecond)

	fill, _ := h.ex.Fill(id)
	require.Contains(t, fill.Trades, int64(77))
	assert.True(t, fill.Trades[77].VolumeIn.IsZero(), "amounts arrive with the next history poll")
}

func Test_CreateOrder_DriverError(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.LiveTrading = true })
	pair := h.seedMarket(10)
	h.drv.orderErr = assert.AnError

	_, err := h.ex.CreateOrder(context.Background(), model.B2Q, pair, vol(1, "BTC"), vol(100, "USDT"))
	require.ErrorIs(t, err, assert.AnError)

	require.Eventually(t, func() bool {
		return h.ex.Available("BTC").Value.Equal(decimal.NewFromInt(10))
	}, time.Second, 2*time.Millisecond, "hold released on rejection")
	assert.Empty(t, h.ex.Positions())
}

func Test_CancelOrder(t *testing.T) {
	t.Run("simulated order never reaches the driver", func(t *testing.T) {
		h := newHarness(t, nil)
		pair := h.seedMarket(10)

		id, err := h.ex.CreateOrder(context.Background(), model.B2Q, pair, vol(1, "BTC"), vol(100, "USDT"))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			_, ok := h.ex.Position(id)
			return ok
		}, time.Second, 2*time.Millisecond)

		require.NoError(t, h.ex.CancelOrder(context.Background(), pair, id))

		require.Eventually(t, func() bool {
			_, ok := h.ex.Position(id)
			return !ok
		}, time.Second, 2*time.Millisecond)
		assert.Equal(t, int32(0), h.drv.cancelCalls.Load())
	})

	t.Run("live order cancels at the venue first", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.LiveTrading = true })
		pair := h.seedMarket(10)
		h.drv.orderResult = OrderResult{OrderID: model.RealOrderID(9)}

		id, err := h.ex.CreateOrder(context.Background(), model.B2Q, pair, vol(1, "BTC"), vol(100, "USDT"))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			_, ok := h.ex.Position(id)
			return ok
		}, time.Second, 2*time.Millisecond)

		require.NoError(t, h.ex.CancelOrder(context.Background(), pair, id))
		assert.Equal(t, int32(1), h.drv.cancelCalls.Load())
		require.Eventually(t, func() bool {
			_, ok := h.ex.Position(id)
			return !ok
		}, time.Second, 2*time.Millisecond)
	})

	t.Run("venue failure keeps the position", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.LiveTrading = true })
		pair := h.seedMarket(10)
		h.drv.orderResult = OrderResult{OrderID: model.RealOrderID(9)}

		id, err := h.ex.CreateOrder(context.Background(), model.B2Q, pair, vol(1, "BTC"), vol(100, "USDT"))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			_, ok := h.ex.Position(id)
			return ok
		}, time.Second, 2*time.Millisecond)

		h.drv.cancelErr = assert.AnError
		require.ErrorIs(t, h.ex.CancelOrder(context.Background(), pair, id), assert.AnError)

		_, ok := h.ex.Position(id)
		assert.True(t, ok)
	})
}
