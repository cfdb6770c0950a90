package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tradesync/internal/model"
)

// Validation errors returned synchronously by the order lifecycle. None of
// these ever reaches the network.
var (
	// ErrWrongExchange means the pair does not belong to this exchange.
	ErrWrongExchange = errors.New("pair does not belong to this exchange")

	// ErrInvalidAmount means the volume or price is not strictly positive.
	ErrInvalidAmount = errors.New("order volume and price must be positive")

	// ErrInvalidUnit means the volume or price is tagged with the wrong
	// currency for the trade direction.
	ErrInvalidUnit = errors.New("amount currency does not match trade direction")

	// ErrInsufficientBalance means the volume exceeds the available
	// (post-hold) balance of the currency being sold.
	ErrInsufficientBalance = errors.New("insufficient available balance")
)

// CreateOrder validates and places an order on the pair.
//
// Unit convention: 'volume' is denominated in the currency being sold and
// 'price' in units of the bought currency per unit sold. Internally both
// are normalized to the canonical base-currency volume and quote-per-base
// price regardless of direction.
//
// Before any network call a client-side hold equal to the sold volume is
// applied, atomically with the balance check, so a second order submitted
// concurrently cannot spend the same funds. When live trading is disabled
// no network call is made at all: a locally generated simulated order id is
// returned after an artificial latency, and the hold is released once the
// simulated order appears in Positions. When live trading is enabled the
// hold lives until the next authoritative balance refresh.
//
// The returned order id already has a Position recorded behind it (via the
// integration queue), so a subsequent positions read cannot race ahead of
// the submission's own effect.
func (e *Exchange) CreateOrder(ctx context.Context, t model.TradeType, pair *model.TradingPair, volume, price model.Amount) (model.OrderID, error) {
	var none model.OrderID

	if pair == nil || pair.Exchange != e.cfg.Name || e.Pair(pair.Name()) != pair {
		return none, ErrWrongExchange
	}
	if !volume.IsPositive() || !price.IsPositive() {
		return none, ErrInvalidAmount
	}
	sold, bought := pair.CoinSold(t), pair.CoinBought(t)
	if !volume.In(sold.Symbol) || !price.In(bought.Symbol) {
		return none, ErrInvalidUnit
	}

	// Normalize to base volume and quote-per-base price.
	var volumeBase, priceQpB model.Amount
	if t == model.B2Q {
		volumeBase = volume
		priceQpB = price
	} else {
		volumeBase = model.Amt(volume.Value.Mul(price.Value), pair.Base.Symbol)
		priceQpB = model.Amt(decimal.NewFromInt(1).Div(price.Value), pair.Quote.Symbol)
	}

	// Funds check and hold are one atomic step; this is what makes two
	// concurrent over-committing submissions resolve to exactly one
	// rejection.
	e.mu.Lock()
	bal := e.balanceGetOrAddLocked(sold.Symbol)
	if bal.Available().Cmp(volume) < 0 {
		e.mu.Unlock()
		return none, ErrInsufficientBalance
	}
	holdID := bal.Hold(volume, nil)
	e.mu.Unlock()

	releaseHold := func() {
		e.q.Enqueue(func() {
			e.mu.Lock()
			bal.ReleaseHold(holdID)
			e.mu.Unlock()
		})
	}

	var res OrderResult
	if !e.cfg.LiveTrading {
		select {
		case <-ctx.Done():
			releaseHold()
			return none, ctx.Err()
		case <-time.After(e.cfg.SimLatency):
		}
		res = OrderResult{OrderID: model.SimOrderID(e.nextSimID.Add(1))}
	} else {
		r, err := e.drv.CreateOrderInternal(ctx, pair, t, volumeBase, priceQpB)
		if err != nil {
			releaseHold()
			return none, err
		}
		res = r
	}

	orderID := res.OrderID
	if orderID.Value == 0 && len(res.TradeIDs) > 0 {
		// Venue quirk: an immediately filled order may come back with
		// trade ids only. Key the fill by the first trade id.
		orderID = model.RealOrderID(res.TradeIDs[0])
		e.log.Warn().
			Int64("tradeId", res.TradeIDs[0]).
			Msg("venue returned no order id, keying by first trade id")
	}

	// Amount the order receives when it fills, in the bought currency.
	// Simulated fills record it immediately; real fills report their own.
	var received model.Amount
	if t == model.B2Q {
		received = model.Amt(volumeBase.Value.Mul(priceQpB.Value), pair.Quote.Symbol)
	} else {
		received = volumeBase
	}

	now := time.Now()
	e.q.Enqueue(func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if orderID.Value != 0 {
			e.applyPositionLocked(&model.Position{
				OrderID:   orderID,
				Pair:      pair,
				Type:      t,
				Price:     priceQpB,
				Volume:    volumeBase,
				Remaining: volumeBase,
				Created:   now,
				Updated:   now,
			})
		}
		if orderID.Simulated {
			// The reservation is needed only until the simulated order is
			// visible in Positions. The predicate runs under e.mu from
			// checkHoldsLocked.
			bal.SetHoldPredicate(holdID, func() bool {
				_, visible := e.positions[orderID]
				return !visible
			})
			// A simulated order fills against the local ladder, so its
			// fill is recorded here, charged the configured fee fraction
			// on the received side.
			e.fillGetOrAddLocked(orderID).Add(&model.Historic{
				OrderID:    orderID,
				TradeID:    orderID.Value,
				Pair:       pair,
				Type:       t,
				Price:      priceQpB,
				VolumeIn:   received,
				VolumeOut:  volume,
				Commission: model.Amt(received.Value.Mul(e.cfg.Fee), bought.Symbol),
				Created:    now,
				Updated:    now,
			})
		}
		for _, tid := range res.TradeIDs {
			// Amounts for these trades arrive with the next history poll;
			// record the trade ids now so the fill aggregate exists.
			e.fillGetOrAddLocked(orderID).Add(&model.Historic{
				OrderID:    orderID,
				TradeID:    tid,
				Pair:       pair,
				Type:       t,
				Price:      priceQpB,
				VolumeIn:   model.Zero(bought.Symbol),
				VolumeOut:  model.Zero(sold.Symbol),
				Commission: model.Zero(bought.Symbol),
				Created:    now,
				Updated:    now,
			})
		}
		// Best-effort local prediction; the authoritative book arrives on
		// the next market-data poll.
		pair.MatchedLadder(t).Consume(volumeBase)
		e.checkHoldsLocked()
	})

	e.MarkDirty(Positions)
	e.MarkDirty(Balances)
	e.MarkDirty(History)
	return orderID, nil
}

// CancelOrder cancels an open order.
//
// With live trading enabled the venue is asked to cancel first; a venue
// reply that the order is already gone counts as success. In all cases the
// matching local Position is removed and positions/balances are marked for
// a prompt refresh.
func (e *Exchange) CancelOrder(ctx context.Context, pair *model.TradingPair, id model.OrderID) error {
	if e.cfg.LiveTrading && !id.Simulated {
		if err := e.drv.CancelOrderInternal(ctx, pair, id); err != nil {
			return err
		}
	}
	e.q.Enqueue(func() {
		e.mu.Lock()
		delete(e.positions, id)
		e.checkHoldsLocked()
		e.mu.Unlock()
	})
	e.MarkDirty(Positions)
	e.MarkDirty(Balances)
	return nil
}
