package model

import (
	"fmt"
	"strconv"
)

// TradeType is the direction of a trade on a pair.
type TradeType int

const (
	// B2Q sells the base currency for the quote currency.
	B2Q TradeType = iota

	// Q2B buys the base currency with the quote currency.
	Q2B
)

// String returns the short direction name.
func (t TradeType) String() string {
	switch t {
	case B2Q:
		return "B2Q"
	case Q2B:
		return "Q2B"
	default:
		return fmt.Sprintf("TradeType(%d)", int(t))
	}
}

// Opposite returns the reverse trade direction.
func (t TradeType) Opposite() TradeType {
	if t == B2Q {
		return Q2B
	}
	return B2Q
}

// OrderID identifies an order, either assigned by the exchange or generated
// locally when live trading is disabled.
//
// Simulated orders carry an explicit discriminator instead of a reserved
// numeric range, so a simulated id can never be confused with a real one
// during stale-position reconciliation.
type OrderID struct {
	Value     int64 // Exchange-assigned or locally generated order number
	Simulated bool  // True when generated locally with trading disabled
}

// RealOrderID wraps an exchange-assigned order number.
func RealOrderID(v int64) OrderID { return OrderID{Value: v} }

// SimOrderID wraps a locally generated order number for a simulated order.
func SimOrderID(v int64) OrderID { return OrderID{Value: v, Simulated: true} }

// String renders the id, prefixing simulated ids so they are obvious in logs.
func (id OrderID) String() string {
	if id.Simulated {
		return "sim-" + strconv.FormatInt(id.Value, 10)
	}
	return strconv.FormatInt(id.Value, 10)
}

// Status is the externally observable health state of an exchange.
type Status int

const (
	// StatusOffline is the initial state before any activation, and the
	// transient state used while a venue reports itself unavailable.
	StatusOffline Status = iota

	// StatusConnecting means activation has begun and the first updates are in flight.
	StatusConnecting

	// StatusConnected means the heartbeat is running and updates are flowing.
	StatusConnected

	// StatusStopped means the exchange was deactivated cleanly.
	StatusStopped

	// StatusError means an update failed fatally; the exchange is deactivated
	// and stays in this state until explicitly re-activated.
	StatusError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "Offline"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusStopped:
		return "Stopped"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
