// Package ratelimiter throttles blob backend traffic with token buckets.
package ratelimiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiter limits the rate of backend requests and, independently, the
// number of bytes moved per second.
//
// The token bucket algorithm works as follows:
//  1. Tokens are added to the bucket at a constant rate
//  2. Each request (or byte) consumes one token
//  3. If the bucket is empty, the caller waits for a token
//  4. Burst capacity allows temporary spikes above the sustained rate
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	requests *rate.Limiter
	bytes    *rate.Limiter
}

// New creates a RateLimiter.
//
// Parameters:
//   - requestsPerSecond: sustained request rate; 0 disables request limiting
//   - burst: request bucket capacity; 0 allows one second's worth
//   - bytesPerSecond: sustained transfer rate; 0 disables bandwidth limiting
//
// The byte bucket holds one second's worth of tokens.
func New(requestsPerSecond, burst, bytesPerSecond uint) *RateLimiter {
	return &RateLimiter{
		requests: newLimiter(requestsPerSecond, burst),
		bytes:    newLimiter(bytesPerSecond, bytesPerSecond),
	}
}

func newLimiter(perSecond, burst uint) *rate.Limiter {
	if perSecond == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst == 0 {
		burst = perSecond
	}
	return rate.NewLimiter(rate.Limit(perSecond), int(burst))
}

// Allow consumes a request token if one is available, without waiting.
func (r *RateLimiter) Allow() bool {
	return r.requests.Allow()
}

// Wait blocks until a request token is available or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.requests.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// WaitBytes blocks until n bytes may be transferred. Requests larger than
// the byte bucket are admitted in bucket-sized installments.
func (r *RateLimiter) WaitBytes(ctx context.Context, n int) error {
	if r.bytes.Limit() == rate.Inf {
		return ctx.Err()
	}
	burst := r.bytes.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := r.bytes.WaitN(ctx, chunk); err != nil {
			return fmt.Errorf("bandwidth limit wait: %w", err)
		}
		n -= chunk
	}
	return nil
}

// Tokens returns the request tokens currently available. Used for
// monitoring; the value may change immediately.
func (r *RateLimiter) Tokens() float64 {
	return r.requests.Tokens()
}
