package ratelimiter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Logger is a simple interface for logging.
// Users can provide their own logger that implements this interface.
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// noopLogger is a default logger that does nothing.
// It is used when no logger is provided by the user to avoid nil panics.
type noopLogger struct{}

func (l *noopLogger) Debugf(format string, args ...interface{}) {}
func (l *noopLogger) Errorf(format string, args ...interface{}) {}

var (
	// ErrLimitExceeded is passed to error handlers when a request is rejected.
	ErrLimitExceeded = errors.New("rate limit exceeded")

	// ErrInvalidConfig is returned when a rule's window or limit is out of range.
	ErrInvalidConfig = errors.New("invalid rate limit config")

	// ErrInvalidPattern is returned when a rule pattern does not compile.
	ErrInvalidPattern = errors.New("invalid rule pattern")

	// ErrEmptyMatcher is returned when a rule has neither a path nor a pattern.
	ErrEmptyMatcher = errors.New("rule has no path or pattern")
)

// DefaultStoreTimeout bounds every store call made by the controller.
const DefaultStoreTimeout = 500 * time.Millisecond

// Observer receives every decision and every store failure.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	ObserveDecision(rule Rule, d Decision)
	ObserveStoreError(rule Rule, op string, err error)
}

// LimitReachedFunc is called when a request is rejected. It is a side
// effect only and cannot change the decision.
type LimitReachedFunc func(ctx context.Context, req Request, rule Rule, d Decision)

// IdentityFunc extracts the authenticated identity from an HTTP request.
// Return an empty string for anonymous requests.
type IdentityFunc func(r *http.Request) string

// ErrorHandler is a function type that defines how to respond to a client when
// a rate limit is exceeded. Rate-limit headers are already set when it runs.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error, d Decision)

// Config holds all configurable parameters for the controller and middlewares.
// It is an internal struct that users interact with via functional options.
type Config struct {
	KeyFunc        KeyFunc
	IdentityFunc   IdentityFunc
	ErrorHandler   ErrorHandler
	Logger         Logger
	Observer       Observer
	OnLimitReached LimitReachedFunc
	StoreTimeout   time.Duration
	Clock          func() time.Time
}

// Option is a function type that applies a configuration setting to a Config struct.
// It's the core of the Functional Options Pattern.
type Option func(*Config)

// NewConfig creates a Config instance with default settings and then applies
// any provided functional options.
func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		IdentityFunc: func(r *http.Request) string { return "" },
		ErrorHandler: WriteRejection,
		Logger:       &noopLogger{},
		StoreTimeout: DefaultStoreTimeout,
		Clock:        time.Now,
	}

	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithKeyFunc returns an Option that replaces the default key derivation.
func WithKeyFunc(f KeyFunc) Option {
	return func(c *Config) {
		if f != nil {
			c.KeyFunc = f
		}
	}
}

// WithIdentityFunc returns an Option that resolves the authenticated user of
// an HTTP request, typically from a value the auth middleware put on the context.
func WithIdentityFunc(f IdentityFunc) Option {
	return func(c *Config) {
		if f != nil {
			c.IdentityFunc = f
		}
	}
}

// WithErrorHandler returns an Option that sets a custom handler for rate limit errors.
// This is useful for sending a different response body or logging detailed information.
func WithErrorHandler(f ErrorHandler) Option {
	return func(c *Config) {
		if f != nil {
			c.ErrorHandler = f
		}
	}
}

// WithLogger returns an Option that sets a custom logger.
func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithObserver returns an Option that reports decisions and store errors, e.g. to metrics.
func WithObserver(o Observer) Option {
	return func(c *Config) {
		if o != nil {
			c.Observer = o
		}
	}
}

// WithOnLimitReached returns an Option that registers a hook called on every rejection.
func WithOnLimitReached(f LimitReachedFunc) Option {
	return func(c *Config) {
		c.OnLimitReached = f
	}
}

// WithStoreTimeout bounds each store call. A timeout is treated as a store error.
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.StoreTimeout = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Clock = now
		}
	}
}

// Response header names.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
	HeaderReason     = "X-RateLimit-Reason"
)

// RejectionCode is the machine-readable code of a rate-limit rejection.
const RejectionCode = "RATE_LIMITED"

// SetHeaders writes the rate-limit headers for d. Nothing is written for
// unbounded decisions; Retry-After and the reason marker only on rejection.
func SetHeaders(h http.Header, d Decision) {
	if d.Unbounded {
		return
	}
	h.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		h.Set(HeaderRetryAfter, strconv.FormatInt(d.RetryAfter, 10))
		h.Set(HeaderReason, RejectionCode)
	}
}

// Rejection is the JSON body sent with a 429 response.
type Rejection struct {
	OK    bool           `json:"ok"`
	Error RejectionError `json:"error"`
}

// RejectionError describes why the request was rejected.
type RejectionError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
}

// NewRejection builds the response body for a rejected decision.
func NewRejection(d Decision) Rejection {
	return Rejection{
		OK: false,
		Error: RejectionError{
			Code:       RejectionCode,
			Message:    "Too many requests, please try again in " + strconv.FormatInt(d.RetryAfter, 10) + " seconds.",
			RetryAfter: d.RetryAfter,
		},
	}
}

// WriteRejection is the default ErrorHandler. It responds with 429 and a JSON body.
func WriteRejection(w http.ResponseWriter, r *http.Request, err error, d Decision) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(NewRejection(d))
}
