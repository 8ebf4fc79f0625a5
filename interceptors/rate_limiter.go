package interceptors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by a RateLimiter when a key is over budget
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter decides whether a request for key may proceed
type RateLimiter interface {
	Allow(ctx context.Context, key string) error
}

// TokenBucketLimiter keeps one token bucket per key
type TokenBucketLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTokenBucketLimiter allows r requests per second per key with bursts of
// up to burst requests.
func NewTokenBucketLimiter(r float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limit:    rate.Limit(r),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow implements RateLimiter. It never waits.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) error {
	if !l.limiter(key).Allow() {
		return fmt.Errorf("%w for %s", ErrRateLimited, key)
	}
	return nil
}

func (l *TokenBucketLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}
