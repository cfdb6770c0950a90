package model

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Offer is a single price level in an order-book ladder.
type Offer struct {
	Price  Amount // Price in quote units per base unit
	Volume Amount // Volume in base units available at this price
}

// Ladder is one side of an order book, kept sorted by price.
//
// Bids are sorted descending (best buyer first), asks ascending (best seller
// first). The ladder is mutated in place; the containing TradingPair keeps
// its identity for the lifetime of the exchange.
type Ladder struct {
	Offers     []Offer
	Descending bool // True for the bid side
}

// Best returns the top-of-book offer, or false when the ladder is empty.
func (l *Ladder) Best() (Offer, bool) {
	if len(l.Offers) == 0 {
		return Offer{}, false
	}
	return l.Offers[0], true
}

// search returns the index at which 'price' belongs, and whether an offer at
// exactly that price already exists.
func (l *Ladder) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(l.Offers), func(i int) bool {
		cmp := l.Offers[i].Price.Value.Cmp(price)
		if l.Descending {
			return cmp <= 0
		}
		return cmp >= 0
	})
	found := i < len(l.Offers) && l.Offers[i].Price.Value.Equal(price)
	return i, found
}

// Apply inserts, replaces, or removes the price level for the given offer.
// A zero volume removes the level. Used by push-update channels that stream
// incremental order-book deltas.
func (l *Ladder) Apply(offer Offer) {
	i, found := l.search(offer.Price.Value)
	switch {
	case offer.Volume.IsZero():
		if found {
			l.Offers = append(l.Offers[:i], l.Offers[i+1:]...)
		}
	case found:
		l.Offers[i] = offer
	default:
		l.Offers = append(l.Offers, Offer{})
		copy(l.Offers[i+1:], l.Offers[i:])
		l.Offers[i] = offer
	}
}

// Consume removes up to 'volume' base units from the best levels of the
// ladder. This is a best-effort local prediction of a fill; the authoritative
// book arrives with the next market-data poll.
func (l *Ladder) Consume(volume Amount) {
	remaining := volume.Value
	for len(l.Offers) > 0 && remaining.IsPositive() {
		top := &l.Offers[0]
		if top.Volume.Value.GreaterThan(remaining) {
			top.Volume.Value = top.Volume.Value.Sub(remaining)
			return
		}
		remaining = remaining.Sub(top.Volume.Value)
		l.Offers = l.Offers[1:]
	}
}

// TradingPair is an ordered (Base, Quote) coin pair with live order-book
// state and volume constraints.
//
// Once created a pair is never removed or replaced, only updated in place;
// other components hold long-lived references to it. Prices are quoted in
// Quote units per Base unit, volumes in Base units.
type TradingPair struct {
	Base     *Coin
	Quote    *Coin
	Exchange string

	// VendorID is the exchange-assigned identifier for this pair, for
	// venues whose APIs address pairs by id rather than by symbol. Empty
	// when the venue has no such notion.
	VendorID string

	Bids Ladder // Buyers, sorted descending by price
	Asks Ladder // Sellers, sorted ascending by price

	// Volume constraints, in base units. Zero means unconstrained.
	MinVolumeBase Amount
	MaxVolumeBase Amount
}

// NewTradingPair creates a pair between the given coins.
func NewTradingPair(base, quote *Coin) *TradingPair {
	return &TradingPair{
		Base:          base,
		Quote:         quote,
		Exchange:      base.Exchange,
		Bids:          Ladder{Descending: true},
		Asks:          Ladder{},
		MinVolumeBase: Zero(base.Symbol),
		MaxVolumeBase: Zero(base.Symbol),
	}
}

// Name returns the canonical "BASE/QUOTE" pair name, unique per exchange.
func (p *TradingPair) Name() string {
	return p.Base.Symbol + "/" + p.Quote.Symbol
}

// String renders the pair as "BASE/QUOTE@Exchange".
func (p *TradingPair) String() string {
	return p.Name() + "@" + p.Exchange
}

// CoinSold returns the coin given up for a trade in the given direction.
func (p *TradingPair) CoinSold(t TradeType) *Coin {
	if t == B2Q {
		return p.Base
	}
	return p.Quote
}

// CoinBought returns the coin received for a trade in the given direction.
func (p *TradingPair) CoinBought(t TradeType) *Coin {
	if t == B2Q {
		return p.Quote
	}
	return p.Base
}

// MatchedLadder returns the book side a trade in the given direction
// executes against: selling base matches the bids, buying base matches
// the asks.
func (p *TradingPair) MatchedLadder(t TradeType) *Ladder {
	if t == B2Q {
		return &p.Bids
	}
	return &p.Asks
}

// SpotPrice returns the top-of-book price for the given direction, or
// false when that side of the book is empty.
func (p *TradingPair) SpotPrice(t TradeType) (Amount, bool) {
	best, ok := p.MatchedLadder(t).Best()
	if !ok {
		return Amount{}, false
	}
	return best.Price, true
}

// SetBook replaces both ladder contents in place from a fresh snapshot.
// The offer slices must already be sorted (bids descending, asks ascending).
func (p *TradingPair) SetBook(bids, asks []Offer) {
	p.Bids.Offers = bids
	p.Asks.Offers = asks
}

// PairName builds the canonical pair name from raw symbols.
func PairName(base, quote string) string {
	return base + "/" + quote
}
