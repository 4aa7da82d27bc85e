package analytics

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an upstream analytics failure. The retry, cache-fallback and
// circuit-breaker layers all key off this taxonomy.
type Kind int

const (
	// KindUnavailable marks transport failures and 5xx responses. Retried,
	// then eligible for stale cache fallback.
	KindUnavailable Kind = iota
	// KindRateLimited marks 429 responses carrying a retry-after hint.
	KindRateLimited
	// KindNotFound marks missing accounts or topics. Terminal.
	KindNotFound
	// KindInvalid marks rejected request shapes. Terminal.
	KindInvalid
	// KindInternal marks unexpected provider behavior (bad payloads and the
	// like). Counted against the circuit breaker alongside unavailability.
	KindInternal
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Failure is the error type surfaced by the analytics client.
type Failure struct {
	Kind       Kind
	RetryAfter time.Duration
	cause      error
}

// NewFailure wraps cause with an analytics failure classification.
func NewFailure(kind Kind, cause error) *Failure {
	return &Failure{Kind: kind, cause: cause}
}

// RateLimitedFailure builds a rate-limit failure honoring the provider hint.
func RateLimitedFailure(retryAfter time.Duration, cause error) *Failure {
	return &Failure{Kind: KindRateLimited, RetryAfter: retryAfter, cause: cause}
}

// Error implements error.
func (f *Failure) Error() string {
	if f == nil {
		return "analytics: <nil>"
	}
	if f.cause == nil {
		return fmt.Sprintf("analytics: %s", f.Kind)
	}
	return fmt.Sprintf("analytics: %s: %v", f.Kind, f.cause)
}

// Unwrap exposes the underlying cause.
func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.cause
}

// FailureKind extracts the failure classification from an error chain.
// Unclassified errors report as KindInternal.
func FailureKind(err error) (Kind, bool) {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind, true
	}
	return KindInternal, false
}

// IsKind reports whether err carries the given failure classification.
func IsKind(err error, kind Kind) bool {
	got, ok := FailureKind(err)
	return ok && got == kind
}
