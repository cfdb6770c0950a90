package model

// Coin identifies a currency on a specific exchange.
//
// The same symbol on two venues is two distinct coins; BTC held on one
// exchange is not fungible with BTC held on another until it is withdrawn
// and deposited. Coins are created lazily on first reference and are never
// removed while their exchange is active.
type Coin struct {
	Symbol   string // Currency symbol (e.g. "BTC")
	Exchange string // Name of the owning exchange

	// OfInterest marks coins the arbitrage layer wants tracked. The
	// synthetic cross-exchange only pairs coins carrying this flag.
	OfInterest bool
}

// Key returns the canonical map key for the coin on its exchange.
func (c *Coin) Key() string {
	return c.Symbol
}

// String renders the coin as "SYMBOL@Exchange".
func (c *Coin) String() string {
	return c.Symbol + "@" + c.Exchange
}
