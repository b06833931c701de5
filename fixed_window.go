// Package ratelimiter provides route-scoped admission control for HTTP endpoints.
//
// Requests are counted per identity and per route in fixed windows. A Registry
// resolves the rule covering a path, a KeyGenerator scopes the counter to the
// caller, and a Store (in-memory or Redis) holds the window counters.
// Integrations for net/http and Gin live under middleware/.
//
// The package defines these core abstractions:
//   - Controller: the fixed-window admission check, implementing Limiter
//   - Registry: ordered rules with longest-matcher precedence
//   - Store: backend interface for window counters (e.g., MemoryStore, RedisStore)
//   - Decision: the outcome of a check, used for the X-RateLimit-* headers
//
// Store failures never reject traffic: the controller logs them and admits
// the request as if no quota had been used yet.
package ratelimiter

import (
	"context"
	"math"
	"strconv"
	"time"
)

// Controller implements the "Fixed Window" admission algorithm.
// Windows are aligned to multiples of the rule's window since the Unix epoch,
// so bursts straddling a boundary can briefly reach twice the nominal rate.
type Controller struct {
	store          Store
	registry       *Registry
	keys           KeyGenerator
	logger         Logger
	observer       Observer
	onLimitReached LimitReachedFunc
	timeout        time.Duration
	now            func() time.Time
}

// New creates a controller that checks requests against registry using store.
func New(store Store, registry *Registry, opts ...Option) *Controller {
	cfg := NewConfig(opts...)
	if registry == nil {
		registry = &Registry{}
	}
	return &Controller{
		store:          store,
		registry:       registry,
		keys:           KeyGenerator{Custom: cfg.KeyFunc},
		logger:         cfg.Logger,
		observer:       cfg.Observer,
		onLimitReached: cfg.OnLimitReached,
		timeout:        cfg.StoreTimeout,
		now:            cfg.Clock,
	}
}

// NewForRule creates a controller with a single catch-all rule. It backs the
// handler decorators, which protect one endpoint independently of the global
// rule set.
//
// Default keys are namespaced by the limit (see RuleScope), so the decorator
// never shares counters with the global controller on the same store.
func NewForRule(store Store, limit RateLimitConfig, description string, opts ...Option) (*Controller, error) {
	registry, err := NewRegistry(Rule{Path: "/", Config: limit, Description: description})
	if err != nil {
		return nil, err
	}
	c := New(store, registry, opts...)
	c.keys.Scope = RuleScope(limit)
	return c, nil
}

// RuleScope returns the key namespace of a NewForRule controller:
// "rule:<windowMs>:<max>".
func RuleScope(limit RateLimitConfig) string {
	return "rule:" + strconv.FormatInt(limit.Window.Milliseconds(), 10) + ":" + strconv.FormatInt(limit.MaxRequests, 10)
}

// Registry returns the rule registry, e.g. to reload it.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Match reports the rule covering path.
func (c *Controller) Match(path string) (Rule, bool) {
	return c.registry.Match(path)
}

// CheckLimit resolves the rule for req, reads the current window counter and,
// if quota remains, consumes one request. The value returned by the atomic
// increment is authoritative, so concurrent requests cannot overshoot the limit.
func (c *Controller) CheckLimit(ctx context.Context, req Request) Decision {
	rule, ok := c.registry.Match(req.Path)
	if !ok {
		return Decision{Allowed: true, Unbounded: true, Limit: Infinite, Remaining: Infinite}
	}

	now := c.now()
	limit := rule.Config
	start := WindowStart(now, limit.Window)
	d := Decision{
		Limit:          limit.MaxRequests,
		ResetAt:        start.Add(limit.Window),
		key:            WindowKey(c.keys.Key(req, rule), start),
		skipSuccessful: limit.SkipSuccessful,
		skipFailed:     limit.SkipFailed,
	}

	count, err := c.get(ctx, d.key)
	if err != nil {
		return c.failOpen(rule, "get", err, d)
	}
	if count >= limit.MaxRequests {
		return c.reject(ctx, req, rule, d, now)
	}

	count, err = c.increment(ctx, d.key, limit.Window)
	if err != nil {
		return c.failOpen(rule, "increment", err, d)
	}
	if count > limit.MaxRequests {
		return c.reject(ctx, req, rule, d, now)
	}

	d.Allowed = true
	d.Remaining = clamp(limit.MaxRequests-count, limit.MaxRequests)
	c.logger.Debugf("Request allowed for key '%s'. Remaining: %d, Limit: %d", d.key, d.Remaining, d.Limit)
	c.observe(rule, d)
	return d
}

// Refund gives back the request consumed by an allowed decision. It is used
// by the middlewares for rules that skip successful or failed responses.
// Rejected, unbounded and fail-open decisions are ignored.
func (c *Controller) Refund(ctx context.Context, d Decision) {
	if !d.Allowed || d.key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	if _, err := c.store.Decrement(ctx, d.key); err != nil {
		c.logger.Errorf("Refund failed for key '%s': %v", d.key, err)
	}
}

// Reset deletes the current window counter of req, restoring its full quota.
func (c *Controller) Reset(ctx context.Context, req Request) error {
	rule, ok := c.registry.Match(req.Path)
	if !ok {
		return nil
	}
	start := WindowStart(c.now(), rule.Config.Window)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.Delete(ctx, WindowKey(c.keys.Key(req, rule), start))
}

func (c *Controller) get(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	count, _, err := c.store.Get(ctx, key)
	return count, err
}

func (c *Controller) increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.Increment(ctx, key, ttl)
}

func (c *Controller) reject(ctx context.Context, req Request, rule Rule, d Decision, now time.Time) Decision {
	d.Allowed = false
	d.Remaining = 0
	d.RetryAfter = retryAfter(d.ResetAt, now)
	c.logger.Debugf("Request denied for key '%s'. Retry after: %ds, Limit: %d", d.key, d.RetryAfter, d.Limit)
	c.observe(rule, d)
	if c.onLimitReached != nil {
		c.onLimitReached(ctx, req, rule, d)
	}
	return d
}

// failOpen admits the request as if no quota had been used in the window.
func (c *Controller) failOpen(rule Rule, op string, err error, d Decision) Decision {
	c.logger.Errorf("Store %s failed for key '%s', admitting request: %v", op, d.key, err)
	if c.observer != nil {
		c.observer.ObserveStoreError(rule, op, err)
	}
	d.Allowed = true
	d.FailedOpen = true
	d.Remaining = d.Limit
	d.key = ""
	c.observe(rule, d)
	return d
}

func (c *Controller) observe(rule Rule, d Decision) {
	if c.observer != nil {
		c.observer.ObserveDecision(rule, d)
	}
}

// WindowStart returns the start of the fixed window containing now:
// floor(now / window) * window, measured in milliseconds since the Unix epoch.
func WindowStart(now time.Time, window time.Duration) time.Time {
	ms := now.UnixMilli()
	w := window.Milliseconds()
	if w <= 0 {
		return now
	}
	return time.UnixMilli(ms - floorMod(ms, w))
}

// WindowKey scopes an identity key to one window.
func WindowKey(key string, windowStart time.Time) string {
	return key + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10)
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func retryAfter(resetAt, now time.Time) int64 {
	secs := int64(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func clamp(v, max int64) int64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
