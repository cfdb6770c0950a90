package exchange

import (
	"context"
	"sync"
	"time"
)

// limiter is a token-bucket request throttle owned by each REST driver,
// applied beneath the heartbeat's own per-dimension pacing. The refill rate
// can be rewired at runtime via SetServerRequestRateLimit.
type limiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// newLimiter creates a throttle allowing 'rps' requests per second with a
// burst of 'burst'.
func newLimiter(burst int, rps float64) *limiter {
	return &limiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rps,
		lastRefill: time.Now(),
	}
}

// setRate rewires the refill rate.
func (l *limiter) setRate(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	l.refillRate = rps
}

// wait blocks until a token is available or the context is cancelled.
func (l *limiter) wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		delay := time.Duration(float64(time.Second) / l.refillRate)
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// refill adds tokens based on elapsed time. Caller holds l.mu.
func (l *limiter) refill() {
	now := time.Now()
	l.tokens += now.Sub(l.lastRefill).Seconds() * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now
}
