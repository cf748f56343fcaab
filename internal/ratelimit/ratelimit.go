// Package ratelimit provides the token-bucket rate limiting and bounded
// concurrency controls spec.md §5 requires for backend upload/download
// operations, plus exponential backoff honoring a server retry-after hint.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Limiter bounds both the rate and the concurrency of calls to a backend
// operation (upload or download), grounded on the teacher's
// map[string]*rate.Limiter bootstrap pattern generalized to a single
// operation class with a semaphore for concurrency.
type Limiter struct {
	tokens *rate.Limiter
	sem    chan struct{}
}

// New creates a Limiter allowing ratePerSec sustained operations per second
// (with a burst of burst) and at most concurrency operations in flight.
func New(ratePerSec float64, burst int, concurrency int) *Limiter {
	return &Limiter{
		tokens: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		sem:    make(chan struct{}, concurrency),
	}
}

// Acquire blocks until both a rate-limit token and a concurrency slot are
// available, or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := l.tokens.Wait(ctx); err != nil {
		return nil, err
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() { <-l.sem }, nil
}

// Backoff computes exponential backoff with jitter for attempt (0-based),
// capped at max, honoring a server-provided retry-after hint when present
// (spec.md §5).
func Backoff(attempt int, base, max time.Duration, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d - jitter/2
}

// DefaultUploadLimiter matches spec.md §5's default of 3 concurrent uploads.
func DefaultUploadLimiter() *Limiter {
	return New(10, 10, 3)
}

// DefaultDownloadLimiter matches spec.md §5's default of 5 concurrent
// downloads.
func DefaultDownloadLimiter() *Limiter {
	return New(20, 20, 5)
}
