package exchange

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tradesync/internal/model"
	"tradesync/internal/queue"
)

// Default cadences. The tick period is only the minimum wake-up granularity
// of the heartbeat; dirty flags wake the loop early.
const (
	defaultTickPeriod    = 100 * time.Millisecond
	defaultPollPeriod    = 500 * time.Millisecond
	defaultUpdateCadence = 1 * time.Second
	defaultSimLatency    = 800 * time.Millisecond
)

// Config holds the per-exchange engine settings.
type Config struct {
	// Name is the display name of the venue, used in logs and as the
	// exchange tag on coins and pairs.
	Name string

	// PollPeriod is the market-data polling cadence.
	PollPeriod time.Duration

	// UpdateCadence is the polling cadence for balances, positions and
	// trade history.
	UpdateCadence time.Duration

	// TickPeriod is the heartbeat granularity.
	TickPeriod time.Duration

	// Fee is the taker fee fraction (e.g. 0.0025) applied when recording
	// simulated fills.
	Fee decimal.Decimal

	// LiveTrading is the global trading switch. When false no real order
	// is ever submitted; a locally generated order id and a simulated
	// latency are used instead.
	LiveTrading bool

	// SimLatency is the artificial delay applied to simulated submissions.
	SimLatency time.Duration
}

func (c *Config) setDefaults() {
	if c.PollPeriod <= 0 {
		c.PollPeriod = defaultPollPeriod
	}
	if c.UpdateCadence <= 0 {
		c.UpdateCadence = defaultUpdateCadence
	}
	if c.TickPeriod <= 0 {
		c.TickPeriod = defaultTickPeriod
	}
	if c.SimLatency <= 0 {
		c.SimLatency = defaultSimLatency
	}
}

// Exchange owns the in-memory market model of one venue and the heartbeat
// that keeps it synchronized.
//
// Collection getters are callable from any goroutine and return snapshots;
// all mutation happens through closures posted to the integration queue,
// which is drained by a single goroutine. TradingPair identity is stable for
// the exchange's lifetime: pairs are updated in place and never removed or
// replaced, because other components hold long-lived references to them.
type Exchange struct {
	cfg Config
	drv Driver
	q   *queue.Queue
	log zerolog.Logger

	// OnStatusChanged, when set, is invoked on the integration goroutine
	// after every status transition.
	OnStatusChanged func(e *Exchange, old, now model.Status)

	// OnDeactivated, when set, is invoked on the integration goroutine
	// after the heartbeat has stopped. Consumers use it to invalidate
	// cached computations that depend on this exchange's data.
	OnDeactivated func(e *Exchange)

	// OnUpdated, when set, is invoked on the integration goroutine after
	// every integrated update, with the dimension and its as-of time.
	OnUpdated func(e *Exchange, d Dimension, asOf time.Time)

	status atomic.Int32

	mu        sync.RWMutex
	coins     map[string]*model.Coin
	pairs     map[string]*model.TradingPair
	balances  map[string]*model.Balance
	positions map[model.OrderID]*model.Position
	fills     map[model.OrderID]*model.PositionFill

	sigs       [dimensionCount]*updateSignal
	wake       chan struct{}
	pairsStale atomic.Bool

	// Heartbeat lifecycle. Touched only on the integration goroutine.
	active   bool
	hbCancel context.CancelFunc
	hbDone   chan struct{}

	nextSimID atomic.Int64
}

// New creates an exchange around the given driver. The driver receives a
// back-reference if it implements the package-internal binder interface,
// which all bundled drivers do.
func New(cfg Config, q *queue.Queue, drv Driver) *Exchange {
	cfg.setDefaults()
	e := &Exchange{
		cfg:       cfg,
		drv:       drv,
		q:         q,
		log:       log.With().Str("exchange", cfg.Name).Logger(),
		coins:     make(map[string]*model.Coin),
		pairs:     make(map[string]*model.TradingPair),
		balances:  make(map[string]*model.Balance),
		positions: make(map[model.OrderID]*model.Position),
		fills:     make(map[model.OrderID]*model.PositionFill),
		wake:      make(chan struct{}, 1),
	}
	for i := range e.sigs {
		e.sigs[i] = newUpdateSignal()
	}
	e.pairsStale.Store(true)
	if b, ok := drv.(binder); ok {
		b.bind(e)
	}
	return e
}

// binder is implemented by drivers that need a back-reference to their
// exchange for integration.
type binder interface {
	bind(*Exchange)
}

// Name returns the venue display name.
func (e *Exchange) Name() string { return e.cfg.Name }

// Fee returns the taker fee fraction.
func (e *Exchange) Fee() decimal.Decimal { return e.cfg.Fee }

// Queue returns the integration queue this exchange posts to.
func (e *Exchange) Queue() *queue.Queue { return e.q }

// Status returns the current health state. Callable from any goroutine.
func (e *Exchange) Status() model.Status {
	return model.Status(e.status.Load())
}

// allowedTransition reports whether the status machine permits old -> next.
// Transient Offline downgrades and their recovery are permitted alongside
// the activation lifecycle.
func allowedTransition(old, next model.Status) bool {
	switch old {
	case model.StatusOffline:
		return next == model.StatusConnecting || next == model.StatusConnected
	case model.StatusConnecting:
		return next == model.StatusConnected || next == model.StatusStopped ||
			next == model.StatusError || next == model.StatusOffline
	case model.StatusConnected:
		return next == model.StatusStopped || next == model.StatusError ||
			next == model.StatusOffline
	case model.StatusStopped:
		return next == model.StatusConnecting
	case model.StatusError:
		return next == model.StatusStopped
	default:
		return false
	}
}

// applyStatus performs a status transition. Integration goroutine only.
func (e *Exchange) applyStatus(next model.Status) {
	old := e.Status()
	if old == next {
		return
	}
	if !allowedTransition(old, next) {
		e.log.Error().
			Stringer("from", old).
			Stringer("to", next).
			Msg("disallowed status transition ignored")
		return
	}
	e.status.Store(int32(next))
	e.log.Info().Stringer("from", old).Stringer("to", next).Msg("status changed")
	if e.OnStatusChanged != nil {
		e.OnStatusChanged(e, old, next)
	}
}

// setStatus marshals a status transition onto the integration queue. Safe
// to call from worker goroutines.
func (e *Exchange) setStatus(next model.Status) {
	e.q.Enqueue(func() { e.applyStatus(next) })
}

// SetActive starts or stops the exchange. It must be called on the
// integration goroutine (the queue drainer).
//
// Enabling transitions the status to Connecting, marks positions and
// balances as requiring an immediate update, and spawns the heartbeat.
// Enabling an already-active exchange is a no-op.
//
// Disabling signals the heartbeat to exit, blocks until it has, invokes
// OnDeactivated, and sets the status to Stopped. Deactivating from Error
// also lands in Stopped and does not auto-retry; re-activation is an
// explicit external action.
func (e *Exchange) SetActive(ctx context.Context, enable bool) {
	if enable {
		if e.active {
			return
		}
		e.active = true
		e.applyStatus(model.StatusConnecting)
		e.MarkDirty(Positions)
		e.MarkDirty(Balances)

		hbCtx, cancel := context.WithCancel(ctx)
		e.hbCancel = cancel
		e.hbDone = make(chan struct{})
		go e.heartbeat(hbCtx)
		return
	}

	if !e.active {
		return
	}
	e.hbCancel()
	<-e.hbDone
	e.active = false
	if e.OnDeactivated != nil {
		e.OnDeactivated(e)
	}
	e.applyStatus(model.StatusStopped)
}

// Active reports whether the heartbeat is running. Integration goroutine only.
func (e *Exchange) Active() bool { return e.active }

// MarkDirty requests an out-of-cadence refresh of a dimension and wakes
// the heartbeat immediately. Callable from any goroutine.
func (e *Exchange) MarkDirty(d Dimension) {
	e.sigs[d].dirty.Store(true)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// LastUpdated returns the as-of time of the most recent integration of the
// given dimension.
func (e *Exchange) LastUpdated(d Dimension) time.Time {
	return e.sigs[d].lastUpdated()
}

// WaitForUpdate arms the dimension's dirty flag and blocks until an
// integration strictly newer than the call time has been applied.
func (e *Exchange) WaitForUpdate(ctx context.Context, d Dimension) error {
	t := time.Now()
	e.MarkDirty(d)
	return e.sigs[d].waitAfter(ctx, t)
}

// WaitForMarketData blocks until a fresh market-data integration.
func (e *Exchange) WaitForMarketData(ctx context.Context) error {
	return e.WaitForUpdate(ctx, MarketData)
}

// WaitForBalances blocks until a fresh balances integration.
func (e *Exchange) WaitForBalances(ctx context.Context) error {
	return e.WaitForUpdate(ctx, Balances)
}

// WaitForPositions blocks until a fresh positions integration.
func (e *Exchange) WaitForPositions(ctx context.Context) error {
	return e.WaitForUpdate(ctx, Positions)
}

// WaitForHistory blocks until a fresh trade-history integration.
func (e *Exchange) WaitForHistory(ctx context.Context) error {
	return e.WaitForUpdate(ctx, History)
}

// integrate posts the second phase of a dimension update: one closure that
// applies translated reply data to the shared collections under the write
// lock, then signals the dimension's last-updated time with the as-of
// timestamp captured before the request was issued.
func (e *Exchange) integrate(d Dimension, asOf time.Time, apply func()) {
	e.q.Enqueue(func() {
		e.mu.Lock()
		apply()
		e.mu.Unlock()
		e.sigs[d].signal(asOf)
		if e.OnUpdated != nil {
			e.OnUpdated(e, d, asOf)
		}
	})
}

// --- Coins -----------------------------------------------------------------

// Coin returns the coin with the given symbol, or nil.
func (e *Exchange) Coin(symbol string) *model.Coin {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.coins[symbol]
}

// CoinOfInterest reports whether the symbol is registered and flagged
// of-interest. Unlike reading Coin().OfInterest, the check happens under
// the lock, so it is safe against a concurrent SetCoinsOfInterest.
func (e *Exchange) CoinOfInterest(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.coins[symbol]
	return ok && c.OfInterest
}

// Coins returns a snapshot of all coins, sorted by symbol.
func (e *Exchange) Coins() []*model.Coin {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*model.Coin, 0, len(e.coins))
	for _, c := range e.coins {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CoinsOfInterest returns the symbols flagged of-interest, sorted.
func (e *Exchange) CoinsOfInterest() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for _, c := range e.coins {
		if c.OfInterest {
			out = append(out, c.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// SetCoinsOfInterest flags the given symbols as of-interest, creating coins
// as needed, and schedules a pair refresh. Integration goroutine only.
func (e *Exchange) SetCoinsOfInterest(symbols ...string) {
	e.mu.Lock()
	for _, s := range symbols {
		c := e.coinGetOrAddLocked(s)
		c.OfInterest = true
	}
	e.mu.Unlock()
	e.pairsStale.Store(true)
	e.MarkDirty(MarketData)
}

// coinGetOrAddLocked lazily creates a coin. Caller holds e.mu.
func (e *Exchange) coinGetOrAddLocked(symbol string) *model.Coin {
	if c, ok := e.coins[symbol]; ok {
		return c
	}
	c := &model.Coin{Symbol: symbol, Exchange: e.cfg.Name}
	e.coins[symbol] = c
	return c
}

// --- Pairs -----------------------------------------------------------------

// Pair returns the pair with the given canonical name, or nil. The returned
// pointer is a stable identity handle for the exchange's lifetime; read its
// ladders through BookSnapshot or SpotPrice, which lock.
func (e *Exchange) Pair(name string) *model.TradingPair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pairs[name]
}

// Pairs returns a snapshot of all pairs, sorted by name.
func (e *Exchange) Pairs() []*model.TradingPair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*model.TradingPair, 0, len(e.pairs))
	for _, p := range e.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// pairEnsureLocked creates the pair if absent and returns it. Replacing an
// existing pair with a different instance is a programming error and
// panics: other components hold long-lived references to pairs, so a pair,
// once created, may only be updated in place. Caller holds e.mu.
func (e *Exchange) pairEnsureLocked(base, quote *model.Coin) *model.TradingPair {
	name := model.PairName(base.Symbol, quote.Symbol)
	if p, ok := e.pairs[name]; ok {
		if p.Base != base || p.Quote != quote {
			panic("trading pair " + name + " on " + e.cfg.Name + " cannot be replaced")
		}
		return p
	}
	p := model.NewTradingPair(base, quote)
	e.pairs[name] = p
	return p
}

// BookSnapshot returns copies of both ladder sides of the named pair.
func (e *Exchange) BookSnapshot(name string) (bids, asks []model.Offer, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pairs[name]
	if !ok {
		return nil, nil, false
	}
	bids = append([]model.Offer(nil), p.Bids.Offers...)
	asks = append([]model.Offer(nil), p.Asks.Offers...)
	return bids, asks, true
}

// SpotPrice returns the top-of-book price of the named pair for the given
// trade direction.
func (e *Exchange) SpotPrice(name string, t model.TradeType) (model.Amount, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pairs[name]
	if !ok {
		return model.Amount{}, false
	}
	return p.SpotPrice(t)
}

// --- Balances --------------------------------------------------------------

// Balance returns a snapshot of the balance for the given coin symbol.
// The zero balance is returned for unknown coins.
func (e *Exchange) Balance(symbol string) model.Balance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.balances[symbol]; ok {
		return b.Snapshot()
	}
	return model.Balance{Coin: &model.Coin{Symbol: symbol, Exchange: e.cfg.Name}}
}

// Available returns the spendable amount of the given coin after client-side
// holds.
func (e *Exchange) Available(symbol string) model.Amount {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.balances[symbol]; ok {
		return b.Available()
	}
	return model.Zero(symbol)
}

// balanceGetOrAddLocked lazily creates a balance record. Caller holds e.mu.
func (e *Exchange) balanceGetOrAddLocked(symbol string) *model.Balance {
	if b, ok := e.balances[symbol]; ok {
		return b
	}
	b := model.NewBalance(e.coinGetOrAddLocked(symbol))
	e.balances[symbol] = b
	return b
}

// applyBalanceLocked applies one reported balance row, honouring the stale
// discard rule and the hold lifetime rules. Caller holds e.mu.
func (e *Exchange) applyBalanceLocked(symbol string, total, available, held, unconfirmed, pending model.Amount, asOf time.Time) {
	b := e.balanceGetOrAddLocked(symbol)
	if !b.Update(total, available, held, unconfirmed, pending, asOf) {
		return
	}
	// A fresh authoritative figure already accounts for submitted orders
	// when live trading is on, so client-side holds are released. Holds for
	// simulated orders are tied to their predicate instead.
	if e.cfg.LiveTrading {
		b.ClearHolds()
	}
}

// --- Positions -------------------------------------------------------------

// Position returns a snapshot of the open order with the given id.
func (e *Exchange) Position(id model.OrderID) (model.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.positions[id]; ok {
		return *p, true
	}
	return model.Position{}, false
}

// Positions returns snapshots of all open orders.
func (e *Exchange) Positions() []model.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID.Value < out[j].OrderID.Value })
	return out
}

// applyPositionLocked inserts or refreshes one open order, honouring the
// stale discard rule. Caller holds e.mu.
func (e *Exchange) applyPositionLocked(in *model.Position) {
	if existing, ok := e.positions[in.OrderID]; ok {
		existing.UpdateFrom(in)
		return
	}
	e.positions[in.OrderID] = in
}

// removePositionsNotInLocked reconciles local open orders against a poll
// result. A position is removed only when its id is absent from the poll
// AND it was created before the poll was issued; a position created after
// the request went out is retained even if the reply does not mention it.
// Simulated orders never appear in a venue's order list and are exempt.
// Caller holds e.mu.
func (e *Exchange) removePositionsNotInLocked(live map[model.OrderID]struct{}, asOf time.Time) {
	for id, p := range e.positions {
		if id.Simulated {
			continue
		}
		if _, ok := live[id]; ok {
			continue
		}
		if p.Created.Before(asOf) {
			delete(e.positions, id)
		}
	}
}

// checkHoldsLocked re-evaluates hold predicates after a positions change.
// Caller holds e.mu.
func (e *Exchange) checkHoldsLocked() {
	for _, b := range e.balances {
		b.CheckHolds()
	}
}

// --- History ---------------------------------------------------------------

// Fill returns a snapshot of the fill aggregate for the given order id.
func (e *Exchange) Fill(id model.OrderID) (model.PositionFill, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.fills[id]
	if !ok {
		return model.PositionFill{}, false
	}
	out := model.PositionFill{OrderID: f.OrderID, Trades: make(map[int64]*model.Historic, len(f.Trades))}
	for k, v := range f.Trades {
		h := *v
		out.Trades[k] = &h
	}
	return out, true
}

// Fills returns the order ids with recorded fills, sorted.
func (e *Exchange) Fills() []model.OrderID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.OrderID, 0, len(e.fills))
	for id := range e.fills {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// fillGetOrAddLocked lazily creates a fill aggregate. Caller holds e.mu.
func (e *Exchange) fillGetOrAddLocked(id model.OrderID) *model.PositionFill {
	if f, ok := e.fills[id]; ok {
		return f
	}
	f := model.NewPositionFill(id)
	e.fills[id] = f
	return f
}

// findFillByTradeLocked locates an existing order id whose fill contains a
// trade on the given pair at the given creation time. Used by venues whose
// history API reports no stable order id; matching by (pair, created-time)
// is a documented upstream data-quality workaround and can mismatch under
// rapid trading on one pair. Caller holds e.mu.
func (e *Exchange) findFillByTradeLocked(pair *model.TradingPair, created time.Time) (model.OrderID, bool) {
	for id, f := range e.fills {
		for _, h := range f.Trades {
			if h.Pair == pair && h.Created.Equal(created) {
				return id, true
			}
		}
	}
	return model.OrderID{}, false
}
