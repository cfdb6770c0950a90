package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradesync/internal/model"
)

// fatalError wraps a panic that escaped a dimension update. Drivers catch
// and classify their own failures, so this is the last-resort path: the
// heartbeat terminates, the status becomes Error and the exchange is
// deactivated.
type fatalError struct {
	recovered any
}

func (f *fatalError) Error() string {
	return fmt.Sprintf("dimension update panicked: %v", f.recovered)
}

// cadence returns the polling period of a dimension.
func (e *Exchange) cadence(d Dimension) time.Duration {
	if d == MarketData {
		return e.cfg.PollPeriod
	}
	return e.cfg.UpdateCadence
}

// due reports whether a dimension should be refreshed this tick: either its
// dirty flag is set, or its cadence has elapsed since its last launch.
func (e *Exchange) due(d Dimension, now time.Time, lastRun *[dimensionCount]time.Time) bool {
	return e.sigs[d].dirty.Load() || now.Sub(lastRun[d]) >= e.cadence(d)
}

// heartbeat is the per-exchange polling loop. It runs on its own goroutine
// from activation until deactivation or cancellation.
//
// The loop blocks on a wakeable timed wait: the tick period is only the
// minimum granularity, and any dirty-flag set wakes it immediately so urgent
// updates are not delayed a full tick. All dimension updates launched in a
// tick run concurrently and are joined before the next tick is considered,
// so a slow update of one dimension can never overlap a second call of the
// same dimension.
func (e *Exchange) heartbeat(ctx context.Context) {
	defer close(e.hbDone)
	e.log.Info().Msg("heartbeat started")

	var lastRun [dimensionCount]time.Time
	offlineWarned := false

	type result struct {
		d   Dimension
		err error
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Debug().Msg("heartbeat cancelled")
			return
		case <-e.wake:
		case <-time.After(e.cfg.TickPeriod):
		}

		now := time.Now()
		results := make(chan result, dimensionCount)
		launched := 0
		for d := Dimension(0); d < dimensionCount; d++ {
			if !e.due(d, now, &lastRun) {
				continue
			}
			e.sigs[d].dirty.Store(false)
			lastRun[d] = now
			launched++
			go func(d Dimension) {
				results <- result{d, e.runUpdate(ctx, d)}
			}(d)
		}

		succeeded, transient, fatal := 0, false, false
		for i := 0; i < launched; i++ {
			r := <-results
			var fe *fatalError
			switch {
			case r.err == nil:
				succeeded++
			case errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded):
				// Expected during shutdown; handled below via ctx.
			case errors.As(r.err, &fe):
				e.log.Error().Err(r.err).Stringer("dimension", r.d).Msg("fatal update failure")
				fatal = true
			case errors.Is(r.err, ErrTransient):
				transient = true
				if !offlineWarned {
					e.log.Warn().Err(r.err).Stringer("dimension", r.d).Msg("venue unavailable, retrying")
					offlineWarned = true
				}
			default:
				e.log.Error().Err(r.err).Stringer("dimension", r.d).Msg("update failed")
				e.setStatus(model.StatusError)
			}
		}

		if ctx.Err() != nil {
			// Cancellation observed mid-tick is a clean exit, not an error.
			e.log.Debug().Msg("heartbeat cancelled")
			return
		}
		if fatal {
			e.setStatus(model.StatusError)
			e.q.Enqueue(e.deactivateFromHeartbeat)
			e.log.Error().Msg("heartbeat terminated")
			return
		}
		if transient {
			e.setStatus(model.StatusOffline)
			continue
		}
		if succeeded > 0 {
			offlineWarned = false
			if st := e.Status(); st == model.StatusConnecting || st == model.StatusOffline {
				e.setStatus(model.StatusConnected)
			}
		}
	}
}

// runUpdate dispatches one dimension update to the driver, converting an
// escaped panic into a fatalError. A pending coins-of-interest change makes
// the market-data dimension refresh the pair set before the ladders.
func (e *Exchange) runUpdate(ctx context.Context, d Dimension) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &fatalError{recovered: r}
		}
	}()

	switch d {
	case MarketData:
		if e.pairsStale.CompareAndSwap(true, false) {
			if err := e.drv.UpdatePairs(ctx, e.CoinsOfInterest()); err != nil {
				e.pairsStale.Store(true)
				return err
			}
		}
		return e.drv.UpdateData(ctx)
	case Balances:
		return e.drv.UpdateBalances(ctx)
	case Positions:
		return e.drv.UpdatePositions(ctx)
	case History:
		return e.drv.UpdateTradeHistory(ctx)
	default:
		return nil
	}
}

// deactivateFromHeartbeat finishes a fatal self-deactivation on the
// integration goroutine. The status has already been set to Error; unlike
// an explicit SetActive(false) it stays there until re-activation.
func (e *Exchange) deactivateFromHeartbeat() {
	if !e.active {
		return
	}
	e.active = false
	e.hbCancel()
	if e.OnDeactivated != nil {
		e.OnDeactivated(e)
	}
}
