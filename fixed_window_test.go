package ratelimiter_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ratelimiter "github.com/jassus213/go-route-limiter"
	"github.com/jassus213/go-route-limiter/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source shared by controller and store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	// 00:00:30 into a 15-minute window
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 30, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingLogger counts log calls.
type recordingLogger struct {
	debug atomic.Int64
	errs  atomic.Int64
}

func (l *recordingLogger) Debugf(string, ...interface{}) { l.debug.Add(1) }
func (l *recordingLogger) Errorf(string, ...interface{}) { l.errs.Add(1) }

// failingStore fails every call, optionally by waiting for the context deadline.
type failingStore struct {
	block bool
}

var errUnavailable = errors.New("store unavailable")

func (s failingStore) wait(ctx context.Context) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return errUnavailable
}

func (s failingStore) Increment(ctx context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, s.wait(ctx)
}

func (s failingStore) Get(ctx context.Context, _ string) (int64, bool, error) {
	return 0, false, s.wait(ctx)
}

func (s failingStore) Set(ctx context.Context, _ string, _ int64, _ time.Duration) error {
	return s.wait(ctx)
}

func (s failingStore) Delete(ctx context.Context, _ string) error { return s.wait(ctx) }

func (s failingStore) Decrement(ctx context.Context, _ string) (int64, error) {
	return 0, s.wait(ctx)
}

type storeErrorObserver struct {
	mu   sync.Mutex
	ops  []string
	errs []error
}

func (o *storeErrorObserver) ObserveDecision(ratelimiter.Rule, ratelimiter.Decision) {}

func (o *storeErrorObserver) ObserveStoreError(_ ratelimiter.Rule, op string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op)
	o.errs = append(o.errs, err)
}

func newController(t *testing.T, clock *fakeClock, rules []ratelimiter.Rule, opts ...ratelimiter.Option) *ratelimiter.Controller {
	t.Helper()
	registry, err := ratelimiter.NewRegistry(rules...)
	require.NoError(t, err)
	mem := store.NewMemory(store.WithCleanupInterval(0), store.WithMemoryClock(clock.Now))
	t.Cleanup(func() { _ = mem.Close() })
	return ratelimiter.New(mem, registry, append(opts, ratelimiter.WithClock(clock.Now))...)
}

func anonymous(path, ip string) ratelimiter.Request {
	h := http.Header{}
	h.Set(ratelimiter.HeaderForwardedFor, ip)
	return ratelimiter.Request{Method: http.MethodPost, Path: path, Header: h}
}

var loginRule = ratelimiter.Rule{
	Path:        "/api/auth/login",
	Config:      ratelimiter.RateLimitConfig{Window: 15 * time.Minute, MaxRequests: 5},
	Description: "login attempts",
}

func TestController_LoginScenario(t *testing.T) {
	clock := newFakeClock()
	var limited atomic.Int32
	c := newController(t, clock, []ratelimiter.Rule{loginRule},
		ratelimiter.WithOnLimitReached(func(context.Context, ratelimiter.Request, ratelimiter.Rule, ratelimiter.Decision) {
			limited.Add(1)
		}),
	)
	req := anonymous("/api/auth/login", "198.51.100.4")

	for want := int64(4); want >= 0; want-- {
		d := c.CheckLimit(context.Background(), req)
		require.True(t, d.Allowed)
		assert.Equal(t, int64(5), d.Limit)
		assert.Equal(t, want, d.Remaining)
		assert.Zero(t, d.RetryAfter)
	}

	d := c.CheckLimit(context.Background(), req)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.GreaterOrEqual(t, d.RetryAfter, int64(1))
	assert.LessOrEqual(t, d.RetryAfter, int64(900))
	// 30s into the window
	assert.Equal(t, int64(870), d.RetryAfter)
	assert.Equal(t, time.Date(2025, 1, 1, 12, 15, 0, 0, time.UTC), d.ResetAt.UTC())
	assert.Equal(t, int32(1), limited.Load())
}

func TestController_WindowReset(t *testing.T) {
	clock := newFakeClock()
	c := newController(t, clock, []ratelimiter.Rule{loginRule})
	req := anonymous("/api/auth/login", "198.51.100.4")

	for i := 0; i < 6; i++ {
		c.CheckLimit(context.Background(), req)
	}
	require.False(t, c.CheckLimit(context.Background(), req).Allowed)

	// one millisecond before the boundary the window is still exhausted
	clock.Advance(14*time.Minute + 29*time.Second + 999*time.Millisecond)
	require.False(t, c.CheckLimit(context.Background(), req).Allowed)

	clock.Advance(time.Millisecond)
	d := c.CheckLimit(context.Background(), req)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(4), d.Remaining)
}

func TestController_UnmatchedIsUnbounded(t *testing.T) {
	c := newController(t, newFakeClock(), []ratelimiter.Rule{loginRule})

	for i := 0; i < 1000; i++ {
		d := c.CheckLimit(context.Background(), anonymous("/health", "198.51.100.4"))
		require.True(t, d.Allowed)
		require.True(t, d.Unbounded)
		require.Equal(t, ratelimiter.Infinite, d.Limit)
		require.Equal(t, ratelimiter.Infinite, d.Remaining)
	}
}

func TestController_FailOpen(t *testing.T) {
	logger := &recordingLogger{}
	observer := &storeErrorObserver{}
	registry, err := ratelimiter.NewRegistry(ratelimiter.Rule{
		Path:   "/api",
		Config: ratelimiter.RateLimitConfig{Window: time.Minute, MaxRequests: 1},
	})
	require.NoError(t, err)
	c := ratelimiter.New(failingStore{}, registry, ratelimiter.WithLogger(logger), ratelimiter.WithObserver(observer))

	for i := 0; i < 100; i++ {
		d := c.CheckLimit(context.Background(), anonymous("/api/items", "203.0.113.1"))
		require.True(t, d.Allowed)
		require.True(t, d.FailedOpen)
		require.Equal(t, int64(1), d.Remaining)
		require.False(t, d.ShouldRefund(200))
	}

	assert.Equal(t, int64(100), logger.errs.Load())
	assert.Len(t, observer.ops, 100)
	assert.Equal(t, "get", observer.ops[0])
	assert.ErrorIs(t, observer.errs[0], errUnavailable)
}

func TestController_StoreTimeoutFailsOpen(t *testing.T) {
	observer := &storeErrorObserver{}
	registry, err := ratelimiter.NewRegistry(ratelimiter.Rule{
		Path:   "/api",
		Config: ratelimiter.RateLimitConfig{Window: time.Minute, MaxRequests: 1},
	})
	require.NoError(t, err)
	c := ratelimiter.New(failingStore{block: true}, registry,
		ratelimiter.WithStoreTimeout(20*time.Millisecond),
		ratelimiter.WithObserver(observer),
	)

	start := time.Now()
	d := c.CheckLimit(context.Background(), anonymous("/api", "203.0.113.1"))

	assert.True(t, d.Allowed)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, observer.errs, 1)
	assert.ErrorIs(t, observer.errs[0], context.DeadlineExceeded)
}

func TestController_IdentitiesAreIndependent(t *testing.T) {
	c := newController(t, newFakeClock(), []ratelimiter.Rule{{
		Path:   "/api",
		Config: ratelimiter.RateLimitConfig{Window: time.Minute, MaxRequests: 2},
	}})

	userA := ratelimiter.Request{Path: "/api/items", Identity: "A"}
	userB := ratelimiter.Request{Path: "/api/items", Identity: "B"}

	c.CheckLimit(context.Background(), userA)
	c.CheckLimit(context.Background(), userA)
	assert.False(t, c.CheckLimit(context.Background(), userA).Allowed)

	d := c.CheckLimit(context.Background(), userB)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)
}

func TestController_PathsAreIndependent(t *testing.T) {
	c := newController(t, newFakeClock(), []ratelimiter.Rule{{
		Path:   "/api",
		Config: ratelimiter.RateLimitConfig{Window: time.Minute, MaxRequests: 1},
	}})

	require.True(t, c.CheckLimit(context.Background(), anonymous("/api/a", "192.0.2.1")).Allowed)
	require.False(t, c.CheckLimit(context.Background(), anonymous("/api/a", "192.0.2.1")).Allowed)
	assert.True(t, c.CheckLimit(context.Background(), anonymous("/api/b", "192.0.2.1")).Allowed)
}

func TestController_SharedKeyAcrossPaths(t *testing.T) {
	c := newController(t, newFakeClock(), []ratelimiter.Rule{{
		Path:   "/api",
		Config: ratelimiter.RateLimitConfig{Window: time.Minute, MaxRequests: 1},
	}}, ratelimiter.WithKeyFunc(func(req ratelimiter.Request, _ ratelimiter.Rule) string {
		return "tenant:" + req.Identity
	}))

	require.True(t, c.CheckLimit(context.Background(), ratelimiter.Request{Path: "/api/a", Identity: "acme"}).Allowed)
	assert.False(t, c.CheckLimit(context.Background(), ratelimiter.Request{Path: "/api/b", Identity: "acme"}).Allowed)
}

func TestController_ConcurrentRequestsNeverOvershoot(t *testing.T) {
	const limit = 10
	c := newController(t, newFakeClock(), []ratelimiter.Rule{{
		Path:   "/api",
		Config: ratelimiter.RateLimitConfig{Window: time.Minute, MaxRequests: limit},
	}})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := c.CheckLimit(context.Background(), ratelimiter.Request{Path: "/api", Identity: "hot"})
			if d.Allowed {
				allowed.Add(1)
			}
			if d.Remaining < 0 || d.Remaining > limit {
				t.Errorf("remaining out of range: %d", d.Remaining)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}

func TestController_Refund(t *testing.T) {
	c := newController(t, newFakeClock(), []ratelimiter.Rule{{
		Path: "/api",
		Config: ratelimiter.RateLimitConfig{
			Window:         time.Minute,
			MaxRequests:    2,
			SkipSuccessful: true,
		},
	}})
	req := ratelimiter.Request{Path: "/api", Identity: "u"}

	for i := 0; i < 5; i++ {
		d := c.CheckLimit(context.Background(), req)
		require.True(t, d.Allowed, "request %d", i)
		require.True(t, d.ShouldRefund(http.StatusOK))
		require.False(t, d.ShouldRefund(http.StatusInternalServerError))
		c.Refund(context.Background(), d)
	}

	d1 := c.CheckLimit(context.Background(), req)
	assert.Equal(t, int64(1), d1.Remaining)
	d2 := c.CheckLimit(context.Background(), req)
	assert.True(t, d2.Allowed)
	assert.Equal(t, int64(0), d2.Remaining)
	assert.False(t, c.CheckLimit(context.Background(), req).Allowed)

	// rejected decisions are never refunded
	rejected := c.CheckLimit(context.Background(), req)
	assert.False(t, rejected.ShouldRefund(http.StatusOK))
}

func TestController_Reset(t *testing.T) {
	c := newController(t, newFakeClock(), []ratelimiter.Rule{loginRule})
	req := ratelimiter.Request{Path: "/api/auth/login", Identity: "u"}

	for i := 0; i < 5; i++ {
		c.CheckLimit(context.Background(), req)
	}
	require.False(t, c.CheckLimit(context.Background(), req).Allowed)

	require.NoError(t, c.Reset(context.Background(), req))
	d := c.CheckLimit(context.Background(), req)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(4), d.Remaining)

	assert.NoError(t, c.Reset(context.Background(), ratelimiter.Request{Path: "/unmatched"}))
}

func TestController_ReloadTakesEffect(t *testing.T) {
	c := newController(t, newFakeClock(), []ratelimiter.Rule{loginRule})
	req := ratelimiter.Request{Path: "/health", Identity: "u"}
	require.True(t, c.CheckLimit(context.Background(), req).Unbounded)

	require.NoError(t, c.Registry().Reload([]ratelimiter.Rule{{
		Path:   "/health",
		Config: ratelimiter.RateLimitConfig{Window: time.Minute, MaxRequests: 1},
	}}))

	d := c.CheckLimit(context.Background(), req)
	assert.False(t, d.Unbounded)
	assert.Equal(t, int64(1), d.Limit)
	_, ok := c.Match("/api/auth/login")
	assert.False(t, ok)
}

func TestNewForRule(t *testing.T) {
	mem := store.NewMemory(store.WithCleanupInterval(0))
	defer mem.Close()

	c, err := ratelimiter.NewForRule(mem, ratelimiter.RateLimitConfig{Window: time.Minute, MaxRequests: 1}, "single")
	require.NoError(t, err)
	rule, ok := c.Match("/any/path")
	require.True(t, ok)
	assert.Equal(t, "single", rule.Description)

	_, err = ratelimiter.NewForRule(mem, ratelimiter.RateLimitConfig{}, "broken")
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
}

func TestNewForRule_KeepsSeparateCounters(t *testing.T) {
	clock := newFakeClock()
	mem := store.NewMemory(store.WithCleanupInterval(0), store.WithMemoryClock(clock.Now))
	defer mem.Close()

	registry, err := ratelimiter.NewRegistry(loginRule)
	require.NoError(t, err)
	global := ratelimiter.New(mem, registry, ratelimiter.WithClock(clock.Now))
	short, err := ratelimiter.NewForRule(mem, ratelimiter.RateLimitConfig{Window: time.Minute, MaxRequests: 5}, "short", ratelimiter.WithClock(clock.Now))
	require.NoError(t, err)
	long, err := ratelimiter.NewForRule(mem, loginRule.Config, "long", ratelimiter.WithClock(clock.Now))
	require.NoError(t, err)

	req := anonymous("/api/auth/login", "198.51.100.4")
	for _, c := range []*ratelimiter.Controller{global, short, long} {
		d := c.CheckLimit(context.Background(), req)
		require.True(t, d.Allowed)
		assert.Equal(t, int64(4), d.Remaining)
	}
	assert.Equal(t, 3, mem.Len())

	start := ratelimiter.WindowStart(clock.Now(), 15*time.Minute)
	n, ok, err := mem.Get(context.Background(),
		ratelimiter.WindowKey("ratelimit:rule:900000:5:ip:198.51.100.4:/api/auth/login", start))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "rule:60000:5", ratelimiter.RuleScope(ratelimiter.RateLimitConfig{Window: time.Minute, MaxRequests: 5}))
}

func TestWindowStart(t *testing.T) {
	tests := []struct {
		now    time.Time
		window time.Duration
		want   time.Time
	}{
		{time.UnixMilli(1_000_999), time.Second, time.UnixMilli(1_000_000)},
		{time.UnixMilli(1_000_000), time.Second, time.UnixMilli(1_000_000)},
		{time.UnixMilli(899_999), 15 * time.Minute, time.UnixMilli(0)},
		{time.UnixMilli(900_000), 15 * time.Minute, time.UnixMilli(900_000)},
		{time.UnixMilli(-1), time.Second, time.UnixMilli(-1000)},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%s", tt.now.UnixMilli(), tt.window), func(t *testing.T) {
			assert.True(t, tt.want.Equal(ratelimiter.WindowStart(tt.now, tt.window)))
		})
	}

	assert.Equal(t, "k:900000", ratelimiter.WindowKey("k", time.UnixMilli(900_000)))
}
