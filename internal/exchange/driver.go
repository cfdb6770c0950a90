package exchange

import (
	"context"
	"errors"

	"tradesync/internal/model"
)

// Errors used to classify driver failures. Drivers are expected to catch
// and classify their own failures; anything unclassified is treated as a
// protocol error for the tick it occurred in.
var (
	// ErrTransient marks connectivity failures that are expected to clear
	// on their own (maintenance pages, service-unavailable replies). The
	// exchange downgrades to Offline and the next heartbeat tick retries.
	ErrTransient = errors.New("transient connectivity failure")

	// ErrNotSupported is returned by driver operations a venue cannot
	// perform, such as cancelling an order on the synthetic cross exchange.
	ErrNotSupported = errors.New("operation not supported")
)

// OrderResult is a driver's reply to an order submission.
//
// Some venues fill an order immediately and report only the resulting trade
// ids with no order id; the order lifecycle manager then falls back to using
// the first trade id as the order id (a documented adapter quirk).
type OrderResult struct {
	OrderID  model.OrderID // Zero Value when the venue did not assign one
	TradeIDs []int64       // Trades executed immediately, if any
}

// Driver is the per-venue extension point of the engine. One implementation
// exists per supported venue plus the synthetic cross-exchange.
//
// Every Update method follows the same two-phase shape: perform network I/O
// and translate the reply into model objects without touching shared state,
// capturing a single as-of timestamp taken before the request; then post one
// closure to the integration queue (via Exchange.integrate) that applies the
// translated data and signals the dimension with that timestamp. The
// integration step is therefore atomic from the single writer's perspective
// and ordered by request-issue time, not reply-arrival time.
type Driver interface {
	// UpdatePairs refreshes the set of trading pairs relevant to the given
	// coins of interest (symbols). Called from the market-data dimension
	// whenever the coin set has changed since the last refresh.
	UpdatePairs(ctx context.Context, coins []string) error

	// UpdateData refreshes the order-book ladders of all known pairs.
	UpdateData(ctx context.Context) error

	// UpdateBalances refreshes per-coin account balances.
	UpdateBalances(ctx context.Context) error

	// UpdatePositions refreshes the set of open orders.
	UpdatePositions(ctx context.Context) error

	// UpdateTradeHistory refreshes executed trades.
	UpdateTradeHistory(ctx context.Context) error

	// CreateOrderInternal submits an order to the venue. Volume is in base
	// units, price in quote units per base unit.
	CreateOrderInternal(ctx context.Context, pair *model.TradingPair, t model.TradeType, volume, price model.Amount) (OrderResult, error)

	// CancelOrderInternal cancels an order. Cancelling an order the venue
	// reports as already gone must be treated as success.
	CancelOrderInternal(ctx context.Context, pair *model.TradingPair, id model.OrderID) error

	// SetServerRequestRateLimit rewires the driver's request throttle to
	// the given requests-per-second limit.
	SetServerRequestRateLimit(rps float64)
}
