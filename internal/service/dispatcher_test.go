package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesync/internal/exchange"
	"tradesync/internal/model"
)

// createTestConfig creates a standard test configuration
func createTestConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxExchangesAllowed: 4,
	}
}

// createStatusEvent creates a status change event for the named exchange
func createStatusEvent(name string, status model.Status) Event {
	return Event{
		Exchange: name,
		Kind:     StatusChanged,
		Status:   status,
		At:       time.Now(),
	}
}

// createUpdateEvent creates a data update event for the named exchange
func createUpdateEvent(name string, d exchange.Dimension) Event {
	return Event{
		Exchange:  name,
		Kind:      DataUpdated,
		Dimension: d,
		At:        time.Now(),
	}
}

// Test_NewDispatcher tests the dispatcher constructor
func Test_NewDispatcher(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())

	assert.NotNil(t, dispatcher)
	assert.NotNil(t, dispatcher.subscribers, "Should initialize subscribers map")
	assert.NotNil(t, dispatcher.subscriptionCh, "Should initialize subscription channel")
	assert.NotNil(t, dispatcher.unsubscriptionCh, "Should initialize unsubscription channel")
	assert.False(t, dispatcher.started.Load(), "Should start in stopped state")

	// Verify channel capacity
	assert.Equal(t, 10, cap(dispatcher.subscriptionCh), "Should have buffered subscription channel")
	assert.Equal(t, 10, cap(dispatcher.unsubscriptionCh), "Should have buffered unsubscription channel")
}

// Test_StartDispatching tests the dispatcher startup functionality
func Test_StartDispatching(t *testing.T) {
	t.Run("start new dispatcher", func(t *testing.T) {
		dispatcher := NewDispatcher(createTestConfig())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		eventCh := make(chan Event, 10)
		defer close(eventCh)

		err := dispatcher.StartDispatching(ctx, eventCh)
		assert.NoError(t, err)
		assert.True(t, dispatcher.started.Load(), "Should set started flag")
	})

	t.Run("start already started dispatcher", func(t *testing.T) {
		dispatcher := NewDispatcher(createTestConfig())
		dispatcher.started.Store(true)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		eventCh := make(chan Event, 10)
		defer close(eventCh)

		err := dispatcher.StartDispatching(ctx, eventCh)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already started")
	})
}

// Test_Subscribe tests subscription functionality
func Test_Subscribe(t *testing.T) {
	tests := []struct {
		name          string
		exchanges     []string
		startDispatch bool
		expectError   bool
		errorContains string
		description   string
	}{
		{
			name:          "Valid subscription",
			exchanges:     []string{"Cryptopia", "Poloniex"},
			startDispatch: true,
			expectError:   false,
			description:   "Should create subscription for valid exchanges",
		},
		{
			name:          "Subscribe to everything",
			exchanges:     nil,
			startDispatch: true,
			expectError:   false,
			description:   "Should accept empty list as subscribe-all",
		},
		{
			name:          "Dispatcher not started",
			exchanges:     []string{"Cryptopia"},
			startDispatch: false,
			expectError:   true,
			errorContains: "not started",
			description:   "Should reject subscription when dispatcher not started",
		},
		{
			name:          "Too many exchanges",
			exchanges:     []string{"A1", "A2", "A3", "A4", "A5"},
			startDispatch: true,
			expectError:   true,
			errorContains: "maximum allowed",
			description:   "Should reject subscription with too many exchanges",
		},
		{
			name:          "Empty exchange name",
			exchanges:     []string{"Cryptopia", ""},
			startDispatch: true,
			expectError:   true,
			errorContains: "cannot be empty",
			description:   "Should reject empty exchange name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := NewDispatcher(createTestConfig())

			if tt.startDispatch {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				eventCh := make(chan Event, 10)
				defer close(eventCh)

				err := dispatcher.StartDispatching(ctx, eventCh)
				require.NoError(t, err, "Should start dispatcher")
			}

			sub, err := dispatcher.Subscribe(tt.exchanges)

			if tt.expectError {
				assert.Error(t, err, tt.description)
				assert.Nil(t, sub, "Should not return subscriber on error")
				if tt.errorContains != "" {
					assert.Contains(t, err.Error(), tt.errorContains, "Error should contain expected text")
				}
			} else {
				assert.NoError(t, err, tt.description)
				require.NotNil(t, sub, "Should return valid subscriber")
				assert.NotNil(t, sub.Events(), "Should have subscriber channel")
				assert.Equal(t, 100, cap(sub.ch), "Should have correct channel capacity")
				assert.Equal(t, len(tt.exchanges), len(sub.subscribed), "Should have correct number of subscribed exchanges")
			}
		})
	}
}

// Test_Unsubscribe tests unsubscription functionality
func Test_Unsubscribe(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventCh := make(chan Event, 10)
	defer close(eventCh)

	err := dispatcher.StartDispatching(ctx, eventCh)
	require.NoError(t, err, "Should start dispatcher")

	sub, err := dispatcher.Subscribe([]string{"Cryptopia"})
	require.NoError(t, err, "Should create subscription")
	require.NotNil(t, sub, "Should return valid subscriber")

	// Give time for subscription to be processed
	time.Sleep(10 * time.Millisecond)

	err = dispatcher.Unsubscribe(sub)
	assert.NoError(t, err, "Should unsubscribe successfully")

	// Verify channel is closed
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "Subscriber channel should be closed after unsubscribe")
	case <-time.After(100 * time.Millisecond):
		t.Error("Channel should be closed within timeout")
	}
}

// Test_EventDistribution tests event delivery and filtering
func Test_EventDistribution(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventCh := make(chan Event, 10)

	err := dispatcher.StartDispatching(ctx, eventCh)
	require.NoError(t, err, "Should start dispatcher")

	subCryptopia, err := dispatcher.Subscribe([]string{"Cryptopia"})
	require.NoError(t, err)

	subPoloniex, err := dispatcher.Subscribe([]string{"Poloniex"})
	require.NoError(t, err)

	subAll, err := dispatcher.Subscribe(nil)
	require.NoError(t, err)

	// Give time for subscriptions to be processed
	time.Sleep(10 * time.Millisecond)

	tests := []struct {
		name              string
		event             Event
		expectedReceivers []*Subscriber
	}{
		{
			name:              "Cryptopia status change",
			event:             createStatusEvent("Cryptopia", model.StatusConnected),
			expectedReceivers: []*Subscriber{subCryptopia, subAll},
		},
		{
			name:              "Poloniex market data update",
			event:             createUpdateEvent("Poloniex", exchange.MarketData),
			expectedReceivers: []*Subscriber{subPoloniex, subAll},
		},
		{
			name:              "Unsubscribed exchange",
			event:             createStatusEvent("CrossExchange", model.StatusOffline),
			expectedReceivers: []*Subscriber{subAll},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eventCh <- tt.event

			// Give time for distribution
			time.Sleep(10 * time.Millisecond)

			allSubs := []*Subscriber{subCryptopia, subPoloniex, subAll}
			for _, sub := range allSubs {
				shouldReceive := false
				for _, expected := range tt.expectedReceivers {
					if sub == expected {
						shouldReceive = true
						break
					}
				}

				if shouldReceive {
					select {
					case got := <-sub.Events():
						assert.Equal(t, tt.event.Exchange, got.Exchange, "Should receive event for correct exchange")
						assert.Equal(t, tt.event.Kind, got.Kind, "Should receive correct event kind")
					case <-time.After(100 * time.Millisecond):
						t.Errorf("Subscriber should have received event within timeout")
					}
				} else {
					select {
					case unexpected := <-sub.Events():
						t.Errorf("Subscriber should not have received event: %+v", unexpected)
					default:
						// Expected - no event received
					}
				}
			}
		})
	}

	close(eventCh)
}

// Test_SlowClientHandling tests behavior with slow clients
func Test_SlowClientHandling(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventCh := make(chan Event, 10)
	defer close(eventCh)

	err := dispatcher.StartDispatching(ctx, eventCh)
	require.NoError(t, err, "Should start dispatcher")

	sub, err := dispatcher.Subscribe([]string{"Cryptopia"})
	require.NoError(t, err, "Should create subscriber")

	// Give time for subscription to be processed
	time.Sleep(10 * time.Millisecond)

	// Fill subscriber buffer by sending more events than capacity without reading
	for i := 0; i < 150; i++ {
		eventCh <- createUpdateEvent("Cryptopia", exchange.Dimension(i%4))
	}

	// Give time for distribution and buffer management
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 100, len(sub.ch), "Subscriber channel should be at capacity")
}

// Test_DispatcherShutdown tests graceful shutdown behavior
func Test_DispatcherShutdown(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())

	ctx, cancel := context.WithCancel(context.Background())

	eventCh := make(chan Event, 10)

	err := dispatcher.StartDispatching(ctx, eventCh)
	require.NoError(t, err, "Should start dispatcher")

	sub1, err := dispatcher.Subscribe([]string{"Cryptopia"})
	require.NoError(t, err)

	sub2, err := dispatcher.Subscribe([]string{"Poloniex"})
	require.NoError(t, err)

	// Give time for subscriptions to be processed
	time.Sleep(10 * time.Millisecond)

	cancel()
	close(eventCh)

	// Give time for shutdown
	time.Sleep(50 * time.Millisecond)

	select {
	case _, ok := <-sub1.Events():
		assert.False(t, ok, "Subscriber 1 channel should be closed after shutdown")
	default:
		t.Error("Subscriber 1 channel should be closed")
	}

	select {
	case _, ok := <-sub2.Events():
		assert.False(t, ok, "Subscriber 2 channel should be closed after shutdown")
	default:
		t.Error("Subscriber 2 channel should be closed")
	}
}

// Test_EventKindString tests the EventKind string rendering
func Test_EventKindString(t *testing.T) {
	assert.Equal(t, "StatusChanged", StatusChanged.String())
	assert.Equal(t, "DataUpdated", DataUpdated.String())
	assert.Equal(t, "EventKind(9)", EventKind(9).String())
}
