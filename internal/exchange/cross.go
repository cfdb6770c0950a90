package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tradesync/internal/model"
)

// crossDepth is the offer volume quoted on synthetic pairs, effectively
// unlimited next to any realistic order size.
var crossDepth = decimal.NewFromInt(1_000_000_000)

// Cross is a synthetic venue for moving value between real exchanges. For
// every currency of interest held on two or more exchanges it offers a
// pair between the exchange-specific forms of that currency ("BTC(A)" and
// "BTC(B)") at a fixed one-to-one rate with effectively unlimited depth.
// Arbitrage logic can then treat a transfer between venues like any other
// trade.
type Cross struct {
	ex      *Exchange
	sources func() []*Exchange
	log     zerolog.Logger
	nextID  atomic.Int64

	// coinMu guards coins, the currency set fixed by the last pairs
	// refresh. Balances and pairs refresh concurrently on the heartbeat.
	coinMu sync.RWMutex
	coins  []string
}

// NewCross creates the synthetic driver. sources must return the set of
// real exchanges to bridge; it is consulted on every pairs refresh so
// exchanges can come and go.
func NewCross(sources func() []*Exchange) *Cross {
	return &Cross{
		sources: sources,
		log:     log.With().Str("exchange", "CrossExchange").Logger(),
	}
}

func (c *Cross) bind(e *Exchange) { c.ex = e }

// SetServerRequestRateLimit is a no-op; the synthetic venue makes no
// network requests.
func (c *Cross) SetServerRequestRateLimit(float64) {}

// crossSymbol renders the exchange-specific form of a currency.
func crossSymbol(symbol, exchangeName string) string {
	return fmt.Sprintf("%s(%s)", symbol, exchangeName)
}

// bridges lists, per of-interest currency, the source exchanges that
// carry it, ordered by exchange name so pair direction is deterministic.
func (c *Cross) bridges(coins []string) map[string][]*Exchange {
	srcs := c.sources()
	sort.Slice(srcs, func(i, j int) bool { return srcs[i].Name() < srcs[j].Name() })

	out := make(map[string][]*Exchange)
	for _, sym := range coins {
		for _, src := range srcs {
			if src.CoinOfInterest(sym) {
				out[sym] = append(out[sym], src)
			}
		}
	}
	return out
}

// setBridgedCoins records the currency set handed to the last pairs
// refresh; balance mirroring reuses it.
func (c *Cross) setBridgedCoins(coins []string) {
	c.coinMu.Lock()
	c.coins = append([]string(nil), coins...)
	c.coinMu.Unlock()
}

// bridgedCoins returns a snapshot of the recorded currency set.
func (c *Cross) bridgedCoins() []string {
	c.coinMu.RLock()
	defer c.coinMu.RUnlock()
	return append([]string(nil), c.coins...)
}

// UpdatePairs synthesizes one pair per currency per exchange pairing.
func (c *Cross) UpdatePairs(ctx context.Context, coins []string) error {
	asOf := time.Now()
	c.setBridgedCoins(coins)
	byCoin := c.bridges(coins)

	type pairSpec struct {
		baseSym, quoteSym string
	}
	var specs []pairSpec
	for sym, srcs := range byCoin {
		if len(srcs) < 2 {
			continue
		}
		for i := 0; i < len(srcs); i++ {
			for j := i + 1; j < len(srcs); j++ {
				specs = append(specs, pairSpec{
					baseSym:  crossSymbol(sym, srcs[i].Name()),
					quoteSym: crossSymbol(sym, srcs[j].Name()),
				})
			}
		}
	}

	c.ex.integrate(MarketData, asOf, func() {
		for _, s := range specs {
			base := c.ex.coinGetOrAddLocked(s.baseSym)
			quote := c.ex.coinGetOrAddLocked(s.quoteSym)
			c.ex.pairEnsureLocked(base, quote)
		}
	})
	return nil
}

// UpdateData quotes unit-rate books with effectively unlimited depth on
// every synthetic pair.
func (c *Cross) UpdateData(ctx context.Context) error {
	asOf := time.Now()
	c.ex.integrate(MarketData, asOf, func() {
		for _, pr := range c.ex.pairs {
			bid := model.Offer{
				Price:  model.Amt(decimal.NewFromInt(1), pr.Quote.Symbol),
				Volume: model.Amt(crossDepth, pr.Base.Symbol),
			}
			ask := bid
			pr.SetBook([]model.Offer{bid}, []model.Offer{ask})
		}
	})
	return nil
}

// UpdateBalances mirrors each source exchange's balance of each bridged
// currency into its exchange-specific form.
func (c *Cross) UpdateBalances(ctx context.Context) error {
	asOf := time.Now()
	byCoin := c.bridges(c.bridgedCoins())

	type balRow struct {
		symbol           string
		total, available model.Amount
		held             model.Amount
	}
	var rows []balRow
	for sym, srcs := range byCoin {
		for _, src := range srcs {
			bal := src.Balance(sym)
			mirror := crossSymbol(sym, src.Name())
			rows = append(rows, balRow{
				symbol:    mirror,
				total:     model.Amt(bal.Total.Value, mirror),
				available: model.Amt(bal.Available().Value, mirror),
				held:      model.Amt(bal.HeldForTrades.Value, mirror),
			})
		}
	}

	c.ex.integrate(Balances, asOf, func() {
		for _, r := range rows {
			c.ex.applyBalanceLocked(r.symbol, r.total, r.available, r.held,
				model.Zero(r.symbol), model.Zero(r.symbol), asOf)
		}
	})
	return nil
}

// UpdatePositions is trivial: synthetic orders fill instantly, so nothing
// ever rests on the book.
func (c *Cross) UpdatePositions(ctx context.Context) error {
	asOf := time.Now()
	c.ex.integrate(Positions, asOf, func() {
		c.ex.removePositionsNotInLocked(map[model.OrderID]struct{}{}, asOf)
		c.ex.checkHoldsLocked()
	})
	return nil
}

// UpdateTradeHistory is trivial; the synthetic venue keeps no server-side
// history.
func (c *Cross) UpdateTradeHistory(ctx context.Context) error {
	c.ex.integrate(History, time.Now(), func() {})
	return nil
}

// CreateOrderInternal accepts every order immediately. The returned trade
// id equals the order id so the fill can be reconciled like any other.
func (c *Cross) CreateOrderInternal(ctx context.Context, _ *model.TradingPair, _ model.TradeType, _, _ model.Amount) (OrderResult, error) {
	id := c.nextID.Add(1)
	return OrderResult{OrderID: model.RealOrderID(id), TradeIDs: []int64{id}}, nil
}

// CancelOrderInternal is meaningless here, orders never rest.
func (c *Cross) CancelOrderInternal(ctx context.Context, _ *model.TradingPair, id model.OrderID) error {
	return fmt.Errorf("%w: cancel order %s on synthetic venue", ErrNotSupported, id)
}
