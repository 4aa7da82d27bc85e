package main

import (
	"testing"
	"time"

	"trustmesh/ap2"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	limiter := newRateLimiter()
	now := time.Unix(1_700_000_000, 0)
	limiter.nowFn = func() time.Time { return now }
	limit := ap2.RateLimit{Calls: 2, PeriodSeconds: 60}

	for i := 0; i < 2; i++ {
		if ok, _, _ := limiter.Allow("consumer-1", "p", limit); !ok {
			t.Fatalf("call %d rejected inside the budget", i+1)
		}
	}
	ok, retryAfter, consecutive := limiter.Allow("consumer-1", "p", limit)
	if ok {
		t.Fatal("third call accepted over a 2-call budget")
	}
	if retryAfter <= 0 || retryAfter > 60*time.Second {
		t.Fatalf("retryAfter %v outside the window", retryAfter)
	}
	if consecutive {
		t.Fatal("first window exceed reported as consecutive")
	}

	// Other consumers and products have their own buckets.
	if ok, _, _ := limiter.Allow("consumer-2", "p", limit); !ok {
		t.Fatal("separate consumer throttled by a stranger's bucket")
	}
	if ok, _, _ := limiter.Allow("consumer-1", "q", limit); !ok {
		t.Fatal("separate product throttled by another product's bucket")
	}

	// A fresh window resets the count.
	now = now.Add(61 * time.Second)
	if ok, _, _ := limiter.Allow("consumer-1", "p", limit); !ok {
		t.Fatal("call rejected in a fresh window")
	}
}

func TestRateLimiterConsecutiveWindows(t *testing.T) {
	limiter := newRateLimiter()
	now := time.Unix(1_700_000_000, 0)
	limiter.nowFn = func() time.Time { return now }
	limit := ap2.RateLimit{Calls: 1, PeriodSeconds: 60}

	exceed := func() (bool, bool) {
		limiter.Allow("consumer-1", "p", limit)
		ok, _, consecutive := limiter.Allow("consumer-1", "p", limit)
		return ok, consecutive
	}

	if _, consecutive := exceed(); consecutive {
		t.Fatal("first exceeded window reported consecutive")
	}

	// The immediately following window exceeding again is the violation, and
	// it is reported exactly once, on the first exceeding call.
	now = now.Add(61 * time.Second)
	if _, consecutive := exceed(); !consecutive {
		t.Fatal("second consecutive exceeded window not reported")
	}
	if _, _, consecutive := limiter.Allow("consumer-1", "p", limit); consecutive {
		t.Fatal("violation reported more than once per window")
	}

	// A quiet gap of a full window breaks the chain.
	now = now.Add(3 * 61 * time.Second)
	if _, consecutive := exceed(); consecutive {
		t.Fatal("exceed after a quiet gap reported consecutive")
	}
}

func TestRateLimiterDefaultsOnBadLimit(t *testing.T) {
	limiter := newRateLimiter()
	if ok, _, _ := limiter.Allow("consumer-1", "p", ap2.RateLimit{}); !ok {
		t.Fatal("zero-valued limit rejected the first call instead of defaulting")
	}
}
