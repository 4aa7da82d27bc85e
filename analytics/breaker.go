package analytics

import (
	"sync"
	"time"
)

// BreakerState enumerates circuit breaker states.
type BreakerState int

const (
	// BreakerClosed passes calls through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen admits a single probe call after the cooldown.
	BreakerHalfOpen
	// BreakerOpen fails calls fast without touching the upstream.
	BreakerOpen
)

// String implements fmt.Stringer.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 60 * time.Second
)

// breaker is the three-state circuit breaker guarding the upstream provider.
// Consecutive terminal unavailable/internal failures trip it open for the
// cooldown; the first call afterwards probes half-open.
type breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	nowFn     func() time.Time
	onOpen    func()
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		nowFn:     time.Now,
	}
}

// allow reports whether a call may proceed. In the open state it returns false
// until the cooldown elapses, at which point the breaker moves to half-open
// and admits the caller as a probe.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.nowFn().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		return true
	default:
		return true
	}
}

// recordSuccess resets the failure count and closes the breaker.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// recordFailure counts a terminal failure. A half-open probe failure reopens
// immediately; in closed state the breaker opens at the threshold.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	notify := false
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.nowFn()
		notify = true
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.nowFn()
			b.failures = 0
			notify = true
		}
	}
	onOpen := b.onOpen
	b.mu.Unlock()
	if notify && onOpen != nil {
		onOpen()
	}
}

// currentState returns the observable state without mutating it.
func (b *breaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
