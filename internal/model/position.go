package model

import (
	"time"
)

// Position is an open order resting on an exchange.
//
// A position is recorded synchronously at order-placement time, closing the
// race window between "order accepted" and "position poll reflects it", and
// is thereafter refreshed by the periodic positions poll.
type Position struct {
	OrderID   OrderID
	Pair      *TradingPair
	Type      TradeType
	Price     Amount // Quote units per base unit
	Volume    Amount // Original volume, in base units
	Remaining Amount // Unfilled volume, in base units
	Created   time.Time
	Updated   time.Time
}

// UpdateFrom applies a fresher snapshot of the same order. A snapshot whose
// Updated timestamp is not strictly newer than the stored one is silently
// discarded and UpdateFrom returns false.
func (p *Position) UpdateFrom(in *Position) bool {
	if !in.Updated.After(p.Updated) {
		return false
	}
	p.Price = in.Price
	p.Volume = in.Volume
	p.Remaining = in.Remaining
	p.Updated = in.Updated
	return true
}

// Historic is a single executed trade, possibly a partial fill of an order.
type Historic struct {
	OrderID    OrderID
	TradeID    int64
	Pair       *TradingPair
	Type       TradeType
	Price      Amount // Quote units per base unit
	VolumeIn   Amount // Amount received, in the bought currency
	VolumeOut  Amount // Amount paid, in the sold currency
	Commission Amount // Fee charged, in the bought currency
	Created    time.Time
	Updated    time.Time
}

// PositionFill aggregates the trades executed under one order id.
// Fills are append-only; individual trades are never mutated destructively.
type PositionFill struct {
	OrderID OrderID
	Trades  map[int64]*Historic
}

// NewPositionFill returns an empty fill aggregate for the order.
func NewPositionFill(id OrderID) *PositionFill {
	return &PositionFill{OrderID: id, Trades: make(map[int64]*Historic)}
}

// Add records a trade under this order. A trade id seen before replaces the
// earlier record only if strictly newer.
func (f *PositionFill) Add(h *Historic) {
	if existing, ok := f.Trades[h.TradeID]; ok {
		if !h.Updated.After(existing.Updated) {
			return
		}
	}
	f.Trades[h.TradeID] = h
}

// VolumeIn sums the received amounts over all trades in the fill.
// Returns the zero amount in 'currency' when the fill is empty.
func (f *PositionFill) VolumeIn(currency string) Amount {
	total := Zero(currency)
	for _, h := range f.Trades {
		total = total.Add(h.VolumeIn)
	}
	return total
}

// VolumeOut sums the paid amounts over all trades in the fill.
func (f *PositionFill) VolumeOut(currency string) Amount {
	total := Zero(currency)
	for _, h := range f.Trades {
		total = total.Add(h.VolumeOut)
	}
	return total
}
