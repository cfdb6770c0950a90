// Package service provides the event distribution layer of the engine.
//
// The dispatcher component implements a fan-out distribution system that
// delivers exchange lifecycle and data-update events to multiple
// subscribers while handling slow consumers gracefully.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tradesync/internal/exchange"
	"tradesync/internal/model"
)

// EventKind discriminates the events the engine publishes.
type EventKind int

const (
	// StatusChanged reports an exchange connection status transition.
	StatusChanged EventKind = iota

	// DataUpdated reports that one data dimension of an exchange has a
	// fresh snapshot integrated.
	DataUpdated
)

// String returns a human readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case StatusChanged:
		return "StatusChanged"
	case DataUpdated:
		return "DataUpdated"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one notification about an exchange.
type Event struct {
	Exchange  string             // Exchange name the event concerns
	Kind      EventKind          // What happened
	Status    model.Status       // New status, for StatusChanged events
	Dimension exchange.Dimension // Updated dimension, for DataUpdated events
	At        time.Time          // When the change was integrated
}

// Subscriber represents a client subscription to events from specific
// exchanges.
//
// Each subscriber maintains its own buffered channel for receiving events
// and a set of exchange names it is interested in for efficient filtering.
type Subscriber struct {
	id         int64               // represents a unique identifier for the subscriber
	ch         chan Event          // Buffered channel for event delivery
	subscribed map[string]struct{} // Set of subscribed exchange names; empty means all
}

// Events returns the subscriber's delivery channel. It is closed when the
// subscriber is removed or the dispatcher shuts down.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxExchangesAllowed int // Maximum exchanges per subscription to prevent resource abuse
}

// Dispatcher implements a fan-out distribution system for engine events.
//
// The dispatcher uses the actor model pattern where a single goroutine owns
// and manages all shared state (subscribers map), eliminating the need for
// mutexes while ensuring thread safety. External interactions happen
// through channels, making the system naturally concurrent and
// deadlock-free.
type Dispatcher struct {
	cfg              DispatcherConfig      // Configuration parameters
	subscribers      map[int64]*Subscriber // Active subscribers (owned by dispatch goroutine)
	subscriptionCh   chan *Subscriber      // Channel for new subscription requests
	unsubscriptionCh chan *Subscriber      // Channel for unsubscription requests
	started          atomic.Bool           // Atomic flag tracking dispatcher state
	randIdGen        *rand.Rand            // Random number generator for generating unique subscriber IDs
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxExchangesAllowed <= 0 {
		cfg.MaxExchangesAllowed = 16
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[int64]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10), // Buffered to prevent blocking
		unsubscriptionCh: make(chan *Subscriber, 10), // Buffered to prevent blocking
		randIdGen:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe creates a new subscription for events from the named exchanges.
// An empty list subscribes to every exchange.
//
// The subscription request is sent to the dispatcher goroutine via a
// channel to ensure thread-safe addition to the subscribers map.
func (b *Dispatcher) Subscribe(exchanges []string) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, errors.New("dispatcher not started")
	}

	if len(exchanges) > b.cfg.MaxExchangesAllowed {
		return nil, fmt.Errorf("requested %d exchanges, maximum allowed %d",
			len(exchanges), b.cfg.MaxExchangesAllowed)
	}

	nameSet := make(map[string]struct{}, len(exchanges))
	for _, name := range exchanges {
		if name == "" {
			return nil, errors.New("exchange name cannot be empty")
		}
		nameSet[name] = struct{}{}
	}

	sub := &Subscriber{
		id:         b.randIdGen.Int63(), // Generate a unique ID for the subscriber
		ch:         make(chan Event, 100),
		subscribed: nameSet,
	}

	// write to channel, return error if blocked
	select {
	case b.subscriptionCh <- sub:
	default:
		return nil, errors.New("subscription channel is full")
	}

	return sub, nil
}

// subscribe is an internal method that adds a subscriber to the active subscribers map.
func (b *Dispatcher) subscribe(subscriber *Subscriber) {
	b.subscribers[subscriber.id] = subscriber
}

// Unsubscribe removes a subscriber from the dispatcher.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	// write to channel, return error if blocked
	select {
	case b.unsubscriptionCh <- sub:
		return nil
	default:
		return fmt.Errorf("unsubscription channel is full")
	}
}

// unsubscribe is an internal method that removes a subscriber and cleans up resources.
func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
}

// StartDispatching starts the main dispatcher goroutine that handles all
// subscriber management and event distribution.
//
// This method implements the actor model pattern where a single goroutine
// owns and manages all shared state. The goroutine processes requests from
// three sources:
//  1. Context cancellation for graceful shutdown
//  2. Subscription/unsubscription requests via channels
//  3. Incoming events for distribution
func (b *Dispatcher) StartDispatching(ctx context.Context, eventCh <-chan Event) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer func() {
			// Cleanup on shutdown
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[int64]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msgf("dispatcher stopped")
				return
			case sub := <-b.subscriptionCh:
				b.subscribe(sub)
			case sub := <-b.unsubscriptionCh:
				b.unsubscribe(sub)
			case ev := <-eventCh:
				b.dispatch(ev)
			}
		}
	}()
	return nil
}

// dispatch distributes an event to all interested subscribers.
//
// This method is only called from within the dispatcher goroutine, ensuring
// thread-safe access to the subscribers map without requiring mutex
// protection.
//
// Behavior for slow clients:
//   - If a subscriber channel is full, drops the oldest buffered event
//   - Ensures the new event is always delivered (replacing the oldest)
func (b *Dispatcher) dispatch(ev Event) {
	for _, sub := range b.subscribers {
		if len(sub.subscribed) > 0 {
			if _, ok := sub.subscribed[ev.Exchange]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
			// Successfully delivered without blocking
		default:
			log.Info().Int64("subscriber", sub.id).Msg("subscriber is too slow, dropping oldest buffered event")
			<-sub.ch     // Remove oldest event
			sub.ch <- ev // Add new event
		}
	}
}
