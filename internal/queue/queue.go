// Package queue implements the single-writer integration queue.
//
// Every mutation of the shared market model passes through one Queue as an
// enqueued closure, drained by exactly one goroutine (the logical main
// thread). The queue uses the actor model pattern: the draining goroutine
// owns all shared state, so integration closures never need locks among
// themselves, and mutations are serialized in enqueue order. Exchange worker
// goroutines only ever post to the queue; they never drain it.
package queue

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// defaultCapacity bounds the number of pending integration closures.
// Enqueue blocks when the queue is full, which back-pressures the exchange
// workers rather than dropping integrations.
const defaultCapacity = 256

// Queue is a FIFO of closures drained by a single goroutine.
type Queue struct {
	ch      chan func()
	running atomic.Bool
}

// New creates a queue with the given capacity (<= 0 selects the default).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{ch: make(chan func(), capacity)}
}

// Enqueue posts a closure for execution on the integration goroutine.
// Closures from one producer goroutine run in the order they were enqueued.
func (q *Queue) Enqueue(fn func()) {
	q.ch <- fn
}

// Run drains the queue until the context is cancelled. It must be called
// from exactly one goroutine; that goroutine becomes the single writer of
// everything the enqueued closures touch.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return errors.New("queue already running")
	}
	defer q.running.Store(false)

	log.Debug().Msg("integration queue running")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("integration queue stopped")
			return ctx.Err()
		case fn := <-q.ch:
			fn()
		}
	}
}

// Drain synchronously executes every closure currently queued and returns.
//
// The caller takes the single-writer role for the duration of the call, so
// Drain must never run concurrently with Run or with another Drain. It
// exists for callers that interleave integration with their own work on one
// goroutine, and for tests that need deterministic stepping.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case fn := <-q.ch:
			fn()
			n++
		default:
			return n
		}
	}
}

// Pending returns the number of closures waiting to be drained.
func (q *Queue) Pending() int {
	return len(q.ch)
}
