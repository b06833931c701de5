package nethttp

import (
	"net/http"

	ratelimiter "github.com/jassus213/go-route-limiter"
)

// Middleware creates a new middleware handler for the standard `net/http` library.
//
// It wraps an existing `http.Handler` and checks every incoming request against the
// provided Limiter before any route handler runs. When a rule covers the request,
// the standard `X-RateLimit-*` headers are added to the response, whether the
// request is admitted or rejected. The behavior can be customized using functional options.
//
// Example:
//
//	registry, _ := ratelimiter.NewRegistry(ratelimiter.Rule{Path: "/login", Config: cfg})
//	limiter := ratelimiter.New(store.NewMemory(), registry)
//	mux := http.NewServeMux()
//	mux.HandleFunc("/", myHandler)
//
//	rateLimitMiddleware := nethttp.Middleware(limiter)
//	http.ListenAndServe(":8080", rateLimitMiddleware(mux))
func Middleware(limiter ratelimiter.Limiter, options ...ratelimiter.Option) func(http.Handler) http.Handler {
	cfg := ratelimiter.NewConfig(options...)

	return func(next http.Handler) http.Handler {
		return enforce(limiter, cfg, next)
	}
}

// Protect wraps a single handler with its own limiter, typically one built by
// ratelimiter.NewForRule. It behaves exactly like Middleware but applies only
// to next, so one endpoint can be guarded independently of the global rules.
//
// Example:
//
//	login, _ := ratelimiter.NewForRule(store, ratelimiter.RateLimitConfig{
//	    Window: 15 * time.Minute, MaxRequests: 5,
//	}, "login attempts")
//	mux.Handle("/login", nethttp.Protect(login, loginHandler))
func Protect(limiter ratelimiter.Limiter, next http.Handler, options ...ratelimiter.Option) http.Handler {
	return enforce(limiter, ratelimiter.NewConfig(options...), next)
}

// ProtectFunc is Protect for handler functions.
func ProtectFunc(limiter ratelimiter.Limiter, next http.HandlerFunc, options ...ratelimiter.Option) http.HandlerFunc {
	return enforce(limiter, ratelimiter.NewConfig(options...), next).ServeHTTP
}

// NewRequest builds the limiter's request descriptor from an HTTP request.
func NewRequest(r *http.Request, identity ratelimiter.IdentityFunc) ratelimiter.Request {
	req := ratelimiter.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header,
	}
	if identity != nil {
		req.Identity = identity(r)
	}
	return req
}

func enforce(limiter ratelimiter.Limiter, cfg *ratelimiter.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := NewRequest(r, cfg.IdentityFunc)
		decision := limiter.CheckLimit(r.Context(), req)

		ratelimiter.SetHeaders(w.Header(), decision)

		if !decision.Allowed {
			cfg.Logger.Debugf(
				"Request denied for %s %s. Retry after: %ds, Limit: %d",
				req.Method, req.Path, decision.RetryAfter, decision.Limit,
			)
			cfg.ErrorHandler(w, r, ratelimiter.ErrLimitExceeded, decision)
			return
		}

		if decision.Unbounded {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if decision.ShouldRefund(rec.Status()) {
			limiter.Refund(r.Context(), decision)
		}
	})
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Status returns the recorded status, defaulting to 200 when nothing was written.
func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
