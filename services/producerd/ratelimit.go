package main

import (
	"sync"
	"time"

	"trustmesh/ap2"
)

// defaultRateLimit applies when no negotiated limit exists for a consumer.
var defaultRateLimit = ap2.RateLimit{Calls: 100, PeriodSeconds: 86400}

// bucket is one fixed rate-limit window for a (consumer, product) pair.
// Counts are mutated only under the bucket lock so they stay monotonic within
// a window.
type bucket struct {
	mu            sync.Mutex
	windowStart   time.Time
	count         int
	exceededNow   bool
	exceededPrior bool
}

// rateLimiter tracks fixed-window buckets keyed by consumer and product.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	nowFn   func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		nowFn:   time.Now,
	}
}

func (l *rateLimiter) bucketFor(consumer, product string) *bucket {
	key := consumer + "|" + product
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

// Allow accounts one call against the bucket. It reports whether the call is
// accepted, how long until the window ends when it is not, and whether the
// bucket also exceeded in the immediately preceding window.
func (l *rateLimiter) Allow(consumer, product string, limit ap2.RateLimit) (ok bool, retryAfter time.Duration, consecutive bool) {
	if limit.Calls <= 0 || limit.PeriodSeconds <= 0 {
		limit = defaultRateLimit
	}
	period := time.Duration(limit.PeriodSeconds) * time.Second
	now := l.nowFn()

	b := l.bucketFor(consumer, product)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.windowStart.IsZero() || !now.Before(b.windowStart.Add(period)) {
		// First call of a fresh window resets the count. A window that
		// lapsed without traffic breaks the consecutive-exceed chain.
		b.exceededPrior = b.exceededNow && now.Before(b.windowStart.Add(2*period))
		b.exceededNow = false
		b.windowStart = now
		b.count = 0
	}

	b.count++
	if b.count > limit.Calls {
		first := !b.exceededNow
		b.exceededNow = true
		remaining := b.windowStart.Add(period).Sub(now)
		return false, remaining, first && b.exceededPrior
	}
	return true, 0, false
}
