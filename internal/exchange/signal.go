// Package exchange implements the multi-exchange connectivity and
// synchronization engine.
//
// Each connected venue is one Exchange instance owning the shared market
// model for that venue (coins, pairs, balances, positions, history). A
// dedicated heartbeat goroutine per active exchange polls each data
// dimension at its own cadence and performs network I/O concurrently; the
// parsed results are applied to the shared collections exclusively through
// the single-writer integration queue. Readers on any goroutine see
// eventually consistent state; writers are serialized.
package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Dimension identifies one independently polled slice of exchange state.
type Dimension int

const (
	// MarketData covers trading pairs and their order-book ladders.
	MarketData Dimension = iota

	// Balances covers per-coin account balances.
	Balances

	// Positions covers open orders.
	Positions

	// History covers executed trades.
	History

	dimensionCount
)

// String returns the dimension name.
func (d Dimension) String() string {
	switch d {
	case MarketData:
		return "market data"
	case Balances:
		return "balances"
	case Positions:
		return "positions"
	case History:
		return "trade history"
	default:
		return "unknown"
	}
}

// updateSignal is the per-dimension synchronization primitive: a dirty flag
// requesting an out-of-cadence refresh, plus a monotonically increasing
// "last updated" timestamp that waiters can block on.
//
// The timestamp advances only (stale signals are ignored), and every advance
// wakes all current waiters by closing the broadcast channel and replacing
// it. Waiters never poll.
type updateSignal struct {
	dirty atomic.Bool

	mu        sync.Mutex
	updatedAt time.Time
	changed   chan struct{}
}

func newUpdateSignal() *updateSignal {
	return &updateSignal{changed: make(chan struct{})}
}

// signal records that an integration with the given as-of timestamp has been
// applied, waking all waiters. Timestamps older than the stored one are
// discarded so out-of-order integrations cannot move the clock backwards.
func (s *updateSignal) signal(asOf time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !asOf.After(s.updatedAt) {
		return
	}
	s.updatedAt = asOf
	close(s.changed)
	s.changed = make(chan struct{})
}

// lastUpdated returns the as-of time of the most recent integration.
func (s *updateSignal) lastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// waitAfter blocks until the last-updated timestamp is strictly after t, or
// the context is cancelled. The caller is responsible for arming the dirty
// flag first; waitAfter only observes.
func (s *updateSignal) waitAfter(ctx context.Context, t time.Time) error {
	for {
		s.mu.Lock()
		updated, ch := s.updatedAt, s.changed
		s.mu.Unlock()

		if updated.After(t) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
