package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"trustmesh/ledger"
	"trustmesh/observability"
)

const (
	defaultCacheTTL      = time.Hour
	defaultRetryInterval = time.Second
	defaultMaxRetries    = 3
)

// Client is the resilient analytics facade. Every query goes through the
// fresh-cache check, the circuit breaker, the retry policy and finally the
// stale-cache fallback, in that order.
type Client struct {
	provider Provider
	cache    *resultCache
	breaker  *breaker
	logger   *slog.Logger
	alerter  observability.Alerter
	sleepFn  func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAlerter wires the critical-alert channel notified when the breaker opens.
func WithAlerter(alerter observability.Alerter) Option {
	return func(c *Client) {
		c.alerter = alerter
	}
}

// WithCacheTTL overrides the one hour result cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = newResultCache(ttl)
	}
}

// WithBreakerWindow overrides the breaker threshold and cooldown.
func WithBreakerWindow(threshold int, cooldown time.Duration) Option {
	return func(c *Client) {
		c.breaker = newBreaker(threshold, cooldown)
	}
}

// WithClock overrides the wall clock for the cache and breaker timers.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now == nil {
			return
		}
		c.cache.nowFn = now
		c.breaker.nowFn = now
	}
}

// WithSleep overrides the rate-limit wait, letting tests skip real sleeps.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleepFn = sleep
		}
	}
}

// NewClient wraps the provider with caching, retries and circuit breaking.
func NewClient(provider Provider, opts ...Option) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("analytics provider required")
	}
	client := &Client{
		provider: provider,
		cache:    newResultCache(defaultCacheTTL),
		breaker:  newBreaker(defaultBreakerThreshold, defaultBreakerCooldown),
		logger:   slog.Default(),
		sleepFn:  sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	client.breaker.onOpen = func() {
		observability.Analytics().SetBreakerState(2)
		client.logger.Warn("analytics circuit breaker opened")
		if client.alerter != nil {
			client.alerter.Alert(context.Background(), "critical", "analytics circuit breaker opened", nil)
		}
	}
	return client, nil
}

// BreakerState exposes the current breaker state for health reporting.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.currentState()
}

// call runs one cached, retried, breaker-guarded query. stale reports whether
// the returned value came from an expired cache entry.
func call[T any](ctx context.Context, c *Client, method, key string, fn func(context.Context) (T, error)) (out T, stale bool, err error) {
	var zero T
	if cached, fresh, ok := c.cache.get(key); ok && fresh {
		observability.Analytics().RecordCacheHit("fresh")
		return cached.(T), false, nil
	}

	if !c.breaker.allow() {
		observability.Analytics().RecordCall(method, "breaker_open")
		if cached, _, ok := c.cache.get(key); ok {
			observability.Analytics().RecordCacheHit("stale")
			return cached.(T), true, nil
		}
		return zero, false, NewFailure(KindUnavailable, fmt.Errorf("circuit breaker open"))
	}

	value, err := retryCall(ctx, c, method, fn)
	kind, classified := FailureKind(err)
	switch {
	case err == nil:
		c.breaker.recordSuccess()
		observability.Analytics().SetBreakerState(float64(BreakerClosed))
		c.cache.put(key, value)
		observability.Analytics().RecordCall(method, "ok")
		return value, false, nil
	case classified && (kind == KindNotFound || kind == KindInvalid):
		// The upstream answered; these do not count against the breaker.
		c.breaker.recordSuccess()
		observability.Analytics().RecordCall(method, kind.String())
		return zero, false, err
	default:
		// Only terminal upstream failures trip the breaker. Rate limiting,
		// caller cancellation and other unclassified errors say nothing about
		// the node's health and leave the failure count alone.
		if classified && (kind == KindUnavailable || kind == KindInternal) {
			c.breaker.recordFailure()
		}
		observability.Analytics().RecordCall(method, kind.String())
		if cached, _, ok := c.cache.get(key); ok {
			c.logger.Warn("serving stale analytics result", "method", method, "error", err)
			observability.Analytics().RecordCacheHit("stale")
			return cached.(T), true, nil
		}
		return zero, false, err
	}
}

// retryCall retries transient failures with 1s/2s/4s exponential backoff. A
// rate-limit response is honored by waiting out the provider hint once without
// consuming a retry attempt.
func retryCall[T any](ctx context.Context, c *Client, method string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	waitedRateLimit := false
	operation := func() error {
		value, err := fn(ctx)
		if err == nil {
			out = value
			return nil
		}
		kind, _ := FailureKind(err)
		switch kind {
		case KindUnavailable:
			c.logger.Debug("analytics call unavailable, retrying", "method", method, "error", err)
			return err
		case KindRateLimited:
			if waitedRateLimit {
				return backoff.Permanent(err)
			}
			waitedRateLimit = true
			retryAfter := defaultRetryInterval
			var failure *Failure
			if errors.As(err, &failure) && failure.RetryAfter > 0 {
				retryAfter = failure.RetryAfter
			}
			if sleepErr := c.sleepFn(ctx, retryAfter); sleepErr != nil {
				return backoff.Permanent(sleepErr)
			}
			value, err = fn(ctx)
			if err == nil {
				out = value
				return nil
			}
			if IsKind(err, KindUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		default:
			return backoff.Permanent(err)
		}
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = defaultRetryInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = 8 * time.Second
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, defaultMaxRetries), ctx))
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// AccountInfo fetches account metadata.
func (c *Client) AccountInfo(ctx context.Context, id ledger.AccountID) (*AccountInfo, bool, error) {
	return call(ctx, c, SourceAccountInfo, fingerprint(SourceAccountInfo, id.String()), func(ctx context.Context) (*AccountInfo, error) {
		return c.provider.FetchAccountInfo(ctx, id)
	})
}

// Transactions fetches the most recent transfer-bearing transactions.
func (c *Client) Transactions(ctx context.Context, id ledger.AccountID, limit int) ([]Transaction, bool, error) {
	return call(ctx, c, SourceTransactions, fingerprint(SourceTransactions, id.String(), strconv.Itoa(limit)), func(ctx context.Context) ([]Transaction, error) {
		return c.provider.FetchTransactions(ctx, id, limit)
	})
}

// TokenBalances fetches the account's token holdings.
func (c *Client) TokenBalances(ctx context.Context, id ledger.AccountID) ([]TokenBalance, bool, error) {
	return call(ctx, c, SourceTokenBalances, fingerprint(SourceTokenBalances, id.String()), func(ctx context.Context) ([]TokenBalance, error) {
		return c.provider.FetchTokenBalances(ctx, id)
	})
}

// TopicMessages fetches the account's messages on the supplied topics.
func (c *Client) TopicMessages(ctx context.Context, id ledger.AccountID, topics []string) ([]TopicMessage, bool, error) {
	filter := append([]string{}, topics...)
	sort.Strings(filter)
	return call(ctx, c, SourceTopicMessages, fingerprint(SourceTopicMessages, id.String(), strings.Join(filter, ",")), func(ctx context.Context) ([]TopicMessage, error) {
		return c.provider.FetchTopicMessages(ctx, id, topics)
	})
}

// BundleOptions tunes bundle assembly.
type BundleOptions struct {
	TransactionLimit int
	Topics           []string
}

// Bundle assembles the four analytics inputs concurrently. Sources that fail
// after retries and cache fallback are reported in Missing rather than
// failing the whole bundle; the bundle itself errors only when the account
// cannot be identified or nothing at all could be fetched.
func (c *Client) Bundle(ctx context.Context, id ledger.AccountID, opts BundleOptions) (*Bundle, error) {
	limit := opts.TransactionLimit
	if limit <= 0 {
		limit = 100
	}

	bundle := &Bundle{Account: id}
	var (
		mu      sync.Mutex
		infoErr error
	)
	markMissing := func(source string, err error) {
		mu.Lock()
		defer mu.Unlock()
		bundle.Missing = append(bundle.Missing, source)
		c.logger.Warn("analytics source missing from bundle", "source", source, "account", id.String(), "error", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		info, stale, err := c.AccountInfo(groupCtx, id)
		mu.Lock()
		infoErr = err
		mu.Unlock()
		if err != nil {
			markMissing(SourceAccountInfo, err)
			return nil
		}
		mu.Lock()
		bundle.Info = info
		bundle.Stale = bundle.Stale || stale
		mu.Unlock()
		return nil
	})
	group.Go(func() error {
		txs, stale, err := c.Transactions(groupCtx, id, limit)
		if err != nil {
			markMissing(SourceTransactions, err)
			return nil
		}
		mu.Lock()
		bundle.Transactions = txs
		bundle.Stale = bundle.Stale || stale
		mu.Unlock()
		return nil
	})
	group.Go(func() error {
		tokens, stale, err := c.TokenBalances(groupCtx, id)
		if err != nil {
			markMissing(SourceTokenBalances, err)
			return nil
		}
		mu.Lock()
		bundle.TokenBalances = tokens
		bundle.Stale = bundle.Stale || stale
		mu.Unlock()
		return nil
	})
	group.Go(func() error {
		messages, stale, err := c.TopicMessages(groupCtx, id, opts.Topics)
		if err != nil {
			markMissing(SourceTopicMessages, err)
			return nil
		}
		mu.Lock()
		bundle.TopicMessages = messages
		bundle.Stale = bundle.Stale || stale
		mu.Unlock()
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	if infoErr != nil {
		if kind, _ := FailureKind(infoErr); kind == KindNotFound || kind == KindInvalid {
			return nil, infoErr
		}
	}
	if len(bundle.Missing) == 4 {
		return nil, NewFailure(KindUnavailable, fmt.Errorf("no analytics sources available for %s", id))
	}
	sort.Strings(bundle.Missing)
	return bundle, nil
}
