package ratelimiter

import (
	"context"
	"math"
	"time"
)

// Infinite is reported as Limit and Remaining for requests that no rule covers.
const Infinite int64 = math.MaxInt64

// Decision contains the outcome of an admission check.
// It provides the necessary data to populate standard rate-limiting HTTP headers.
type Decision struct {
	// Allowed indicates whether the request is permitted.
	Allowed bool
	// Unbounded is true when no rule matched the request path.
	Unbounded bool
	// Limit is the total number of requests allowed in the current window.
	Limit int64
	// Remaining is the number of requests left in the current window,
	// after this request's outcome has been applied.
	Remaining int64
	// ResetAt is the moment the current window ends.
	ResetAt time.Time
	// RetryAfter is the number of whole seconds a rejected client should wait.
	// It is zero for allowed requests.
	RetryAfter int64
	// FailedOpen is true when a store error admitted the request uncounted.
	FailedOpen bool

	key            string
	skipSuccessful bool
	skipFailed     bool
}

// ShouldRefund reports whether an admitted request that completed with the
// given response status must be given back under its rule's skip settings.
func (d Decision) ShouldRefund(status int) bool {
	if !d.Allowed || d.key == "" {
		return false
	}
	if status < 400 {
		return d.skipSuccessful
	}
	return d.skipFailed
}

// Request describes the parts of an inbound request the limiter needs.
// It is intentionally independent of any HTTP framework.
type Request struct {
	Method string
	Path   string
	Header HeaderGetter
	// Identity is the authenticated user id resolved by the surrounding
	// auth system, or empty for anonymous requests.
	Identity string
}

// HeaderGetter is the header lookup used by key generation.
// http.Header satisfies it.
type HeaderGetter interface {
	Get(key string) string
}

// Limiter defines the admission-control contract used by the middlewares.
type Limiter interface {
	// CheckLimit decides whether req may proceed. It never fails: store
	// errors are logged and the request is admitted.
	CheckLimit(ctx context.Context, req Request) Decision

	// Refund gives back the quota consumed by an admitted request.
	Refund(ctx context.Context, d Decision)
}

// Store defines the interface for storing window counters.
// This abstraction allows for interchangeable backend implementations (e.g., in-memory, Redis).
// Implementations must be safe for concurrent use.
type Store interface {
	// Increment atomically increments the counter for a given key and returns the new value.
	// If the key does not exist, it is created with a value of 1 and an expiration of ttl.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current value of key. The boolean is false when the key
	// is absent or expired.
	Get(ctx context.Context, key string) (int64, bool, error)

	// Set stores value under key with the given expiration. Implementations
	// reject a non-positive ttl.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Decrement atomically decreases an existing, unexpired counter by one,
	// never below zero, and returns the new value. Missing keys are left
	// untouched and reported as zero.
	Decrement(ctx context.Context, key string) (int64, error)
}
