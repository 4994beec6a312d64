// ratelimit.go implements the token-bucket rate limiter for the KIS REST API.
//
// The broker documents a hard limit of 20 requests per second per app key.
// The bucket runs at 18/s with a burst of 18 to keep a safety margin, and
// refills continuously (fractional tokens) rather than in one-second bursts.
// The bucket is a single process-wide resource: every REST call acquires one
// token before touching the wire.
package kis

import (
	"context"
	"sync"
	"time"

	"krx-momentum/internal/metrics"
)

// Bucket is a token-bucket rate limiter with continuous refill. Callers
// block in Wait until a token is available or the context is cancelled.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were recalculated
}

// NewBucket creates a rate limiter with the given capacity and refill rate.
func NewBucket(capacity, ratePerSecond float64) *Bucket {
	return &Bucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (b *Bucket) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RateLimitWait.Observe(time.Since(start).Seconds()) }()
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.lastTime).Seconds()
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastTime = now

		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
