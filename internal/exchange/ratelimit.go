// ratelimit.go implements token-bucket rate limiting for the venue's REST API.
//
// Bithumb enforces per-second request limits per API class (public endpoints
// are allowed roughly 150/s per IP, private endpoints 140/s per key). This
// file provides a smooth token-bucket implementation that refills
// continuously, with budgets set well below the hard limits so bursts from
// the bootstrap or the funding poller never trip the venue.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by API class. Every REST call waits on
// the matching bucket before issuing the HTTP request.
type RateLimiter struct {
	Public  *TokenBucket // ticker, orderbook, transactions, candlestick
	Private *TokenBucket // balance, account, place, cancel
}

// NewRateLimiter creates rate limiters tuned below the venue's published
// per-second limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Public:  NewTokenBucket(100, 50), // venue allows ~150/s per IP
		Private: NewTokenBucket(40, 20),  // venue allows ~140/s per key
	}
}
