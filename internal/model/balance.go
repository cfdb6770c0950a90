package model

import (
	"time"
)

// Hold is a client-side reservation against a balance, created before an
// order is submitted so that a concurrent second order cannot spend the
// same funds while the first is still in flight.
type Hold struct {
	ID     int64
	Amount Amount

	// StillNeeded reports whether the reservation is still required. It is
	// re-evaluated after every positions integration; a nil predicate means
	// the hold lives until the next authoritative balance refresh.
	StillNeeded func() bool
}

// Balance is the per-coin account state on one exchange.
//
// The exchange-reported figures (Total, HeldForTrades, ...) are replaced
// wholesale by each accepted update; client-side holds are layered on top
// and only reduce the value reported by Available.
//
// Balance carries no locking of its own. All mutation happens on the
// integration context; concurrent readers are serialized by the owning
// exchange's collection lock.
type Balance struct {
	Coin            *Coin
	Total           Amount
	HeldForTrades   Amount // Funds the exchange itself reports as held in open orders
	Unconfirmed     Amount // Deposits not yet confirmed
	PendingWithdraw Amount // Withdrawals not yet completed
	Timestamp       time.Time

	available  Amount // Exchange-reported spendable funds, before client-side holds
	holds      []Hold
	nextHoldID int64
}

// NewBalance returns a zeroed balance for the given coin.
func NewBalance(coin *Coin) *Balance {
	zero := Zero(coin.Symbol)
	return &Balance{
		Coin:            coin,
		Total:           zero,
		HeldForTrades:   zero,
		Unconfirmed:     zero,
		PendingWithdraw: zero,
		available:       zero,
	}
}

// Update applies an exchange-reported balance snapshot.
//
// Out-of-order network replies must not regress state: an update whose
// timestamp is not strictly newer than the stored one is silently discarded
// and Update returns false.
func (b *Balance) Update(total, available, held, unconfirmed, pending Amount, ts time.Time) bool {
	if !ts.After(b.Timestamp) {
		return false
	}
	b.Total = total
	b.available = available
	b.HeldForTrades = held
	b.Unconfirmed = unconfirmed
	b.PendingWithdraw = pending
	b.Timestamp = ts
	return true
}

// Available returns the spendable amount after client-side holds.
func (b *Balance) Available() Amount {
	avail := b.available
	for _, h := range b.holds {
		avail = avail.Sub(h.Amount)
	}
	if avail.Value.IsNegative() {
		return Zero(b.Coin.Symbol)
	}
	return avail
}

// Hold reserves 'amount' against this balance and returns the hold id.
// The reservation takes effect immediately, before any network reply.
func (b *Balance) Hold(amount Amount, stillNeeded func() bool) int64 {
	b.nextHoldID++
	b.holds = append(b.holds, Hold{ID: b.nextHoldID, Amount: amount, StillNeeded: stillNeeded})
	return b.nextHoldID
}

// ReleaseHold drops the hold with the given id. Releasing an unknown id is
// a no-op.
func (b *Balance) ReleaseHold(id int64) {
	for i, h := range b.holds {
		if h.ID == id {
			b.holds = append(b.holds[:i], b.holds[i+1:]...)
			return
		}
	}
}

// SetHoldPredicate attaches a release predicate to an existing hold. Used
// when the condition a hold is waiting on (the order id) only becomes known
// after the hold was taken.
func (b *Balance) SetHoldPredicate(id int64, stillNeeded func() bool) {
	for i := range b.holds {
		if b.holds[i].ID == id {
			b.holds[i].StillNeeded = stillNeeded
			return
		}
	}
}

// CheckHolds re-evaluates hold predicates and drops reservations that are
// no longer needed. Holds without a predicate are kept.
func (b *Balance) CheckHolds() {
	kept := b.holds[:0]
	for _, h := range b.holds {
		if h.StillNeeded == nil || h.StillNeeded() {
			kept = append(kept, h)
		}
	}
	b.holds = kept
}

// ClearHolds drops every client-side hold. Called when an authoritative
// balance refresh arrives with live trading enabled; the exchange-side
// figures then already account for any submitted orders.
func (b *Balance) ClearHolds() {
	b.holds = nil
}

// Holds returns the number of active client-side holds.
func (b *Balance) Holds() int {
	return len(b.holds)
}

// Snapshot returns a copy whose hold list does not alias this balance's
// backing array. ReleaseHold and CheckHolds compact holds in place, so a
// shallow copy read outside the owning exchange's lock would race with
// them.
func (b *Balance) Snapshot() Balance {
	cp := *b
	cp.holds = append([]Hold(nil), b.holds...)
	return cp
}
