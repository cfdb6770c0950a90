/*
Package main runs the exchange synchronization engine.

The engine connects to the configured trading venues, keeps an in-memory
mirror of their market data, balances, open positions and trade history,
and exposes a synthetic cross-exchange venue bridging currencies held on
more than one exchange. Lifecycle and data-update events are fanned out
to subscribers through the dispatcher.

Usage:

	go run main.go -config=config.yaml

The engine runs until it receives SIGINT or SIGTERM, then deactivates
every exchange and drains the integration queue before exiting.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradesync/internal/config"
	"tradesync/internal/exchange"
	"tradesync/internal/model"
	"tradesync/internal/queue"
	"tradesync/internal/service"
)

// configPath locates the YAML configuration file.
var configPath = flag.String("config", "config.yaml", "Path to the configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not configured yet; report plainly.
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The integration queue and its single drainer goroutine. Every
	// mutation of exchange state funnels through here.
	q := queue.New(cfg.Engine.QueueCapacity)
	go q.Run(ctx)

	exchanges, err := buildExchanges(cfg, q)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build exchanges")
	}

	// Event fan-out: exchange callbacks feed the dispatcher, which delivers
	// to subscribers. The send is non-blocking so a stalled consumer can
	// never stall integration.
	eventCh := make(chan service.Event, 256)
	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		MaxExchangesAllowed: cfg.Engine.MaxEventSubscribers,
	})
	if err := dispatcher.StartDispatching(ctx, eventCh); err != nil {
		log.Fatal().Err(err).Msg("failed to start dispatcher")
	}
	for _, ex := range exchanges {
		wireEvents(ex, eventCh)
	}
	go logEvents(dispatcher)

	// Activation happens on the integration goroutine.
	for _, ex := range exchanges {
		ex := ex
		q.Enqueue(func() {
			ex.SetCoinsOfInterest(cfg.Engine.Coins...)
			ex.SetActive(ctx, true)
		})
	}

	names := make([]string, 0, len(exchanges))
	for _, ex := range exchanges {
		names = append(names, ex.Name())
	}
	log.Info().
		Strs("exchanges", names).
		Strs("coins", cfg.Engine.Coins).
		Bool("liveTrading", cfg.Engine.LiveTrading).
		Msg("engine starting")

	// Block until shutdown is requested.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("initiating graceful shutdown")

	// Deactivate on the integration goroutine and wait for it to finish
	// before tearing the queue down.
	done := make(chan struct{})
	q.Enqueue(func() {
		for _, ex := range exchanges {
			ex.SetActive(ctx, false)
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("timeout waiting for exchanges to deactivate")
	}
	cancel()
	log.Info().Msg("shutdown complete")
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// buildExchanges creates every enabled venue from the configuration plus
// the synthetic cross-exchange venue bridging the real ones.
func buildExchanges(cfg *config.Config, q *queue.Queue) ([]*exchange.Exchange, error) {
	var real []*exchange.Exchange
	for name, venue := range cfg.Exchanges {
		if !venue.Enabled {
			log.Info().Str("exchange", name).Msg("exchange disabled, skipping")
			continue
		}
		drv, err := buildDriver(name, venue)
		if err != nil {
			return nil, err
		}
		ex := exchange.New(exchange.Config{
			Name:          name,
			PollPeriod:    venue.PollPeriod,
			UpdateCadence: venue.UpdateCadence,
			Fee:           venue.FeeDecimal(),
			LiveTrading:   cfg.Engine.LiveTrading,
			SimLatency:    cfg.Engine.SimLatency,
		}, q, drv)
		real = append(real, ex)
	}
	if len(real) == 0 {
		return nil, fmt.Errorf("no exchange enabled")
	}

	// The cross venue bridges the real ones; it never trades live.
	sources := real
	cross := exchange.New(exchange.Config{
		Name:       "CrossExchange",
		SimLatency: cfg.Engine.SimLatency,
	}, q, exchange.NewCross(func() []*exchange.Exchange { return sources }))

	return append(real, cross), nil
}

// buildDriver instantiates the venue-specific driver by name.
func buildDriver(name string, venue config.VenueConfig) (exchange.Driver, error) {
	switch name {
	case "Cryptopia":
		return exchange.NewCryptopia(&exchange.CryptopiaConfig{
			BaseURL:     venue.BaseURL,
			APIKey:      venue.APIKey,
			APISecret:   venue.APISecret,
			RequestRate: venue.RequestRate,
		}), nil
	case "Poloniex":
		return exchange.NewPoloniex(&exchange.PoloniexConfig{
			BaseURL:     venue.BaseURL,
			PushURL:     venue.PushURL,
			APIKey:      venue.APIKey,
			APISecret:   venue.APISecret,
			RequestRate: venue.RequestRate,
		}), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", name)
	}
}

// wireEvents forwards an exchange's callbacks into the dispatcher feed.
// Sends are non-blocking; if the feed is saturated the event is dropped,
// which only costs a notification, never data.
func wireEvents(ex *exchange.Exchange, eventCh chan<- service.Event) {
	ex.OnStatusChanged = func(e *exchange.Exchange, _, now model.Status) {
		select {
		case eventCh <- service.Event{Exchange: e.Name(), Kind: service.StatusChanged, Status: now, At: time.Now()}:
		default:
		}
	}
	ex.OnUpdated = func(e *exchange.Exchange, d exchange.Dimension, asOf time.Time) {
		select {
		case eventCh <- service.Event{Exchange: e.Name(), Kind: service.DataUpdated, Dimension: d, At: asOf}:
		default:
		}
	}
}

// logEvents subscribes to everything and logs each event at debug level.
func logEvents(dispatcher *service.Dispatcher) {
	sub, err := dispatcher.Subscribe(nil)
	if err != nil {
		log.Warn().Err(err).Msg("event log subscription failed")
		return
	}
	for ev := range sub.Events() {
		log.Debug().
			Str("exchange", ev.Exchange).
			Stringer("kind", ev.Kind).
			Msg("engine event")
	}
}
