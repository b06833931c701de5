package gin

import (
	"github.com/gin-gonic/gin"
	ratelimiter "github.com/jassus213/go-route-limiter"
)

// RateLimiter creates a new Gin middleware handler.
//
// It uses the provided Limiter instance (the core admission logic) to check
// if a request should be allowed or denied. The behavior of the middleware can be
// customized by passing functional options, such as resolving the authenticated
// user (WithIdentityFunc) or changing how rejections are written (WithErrorHandler).
//
// Example:
//
//	limiter := ratelimiter.New(store, registry)
//	router := gin.Default()
//	// Apply middleware globally
//	router.Use(ginMiddleware.RateLimiter(limiter))
func RateLimiter(limiter ratelimiter.Limiter, options ...ratelimiter.Option) gin.HandlerFunc {
	cfg := ratelimiter.NewConfig(options...)

	return func(c *gin.Context) {
		enforce(c, limiter, cfg)
	}
}

// Protect decorates a single Gin handler with its own limiter, typically one
// built by ratelimiter.NewForRule.
//
// Example:
//
//	login, _ := ratelimiter.NewForRule(store, loginLimit, "login attempts")
//	router.POST("/login", ginMiddleware.Protect(login, loginHandler))
func Protect(limiter ratelimiter.Limiter, handler gin.HandlerFunc, options ...ratelimiter.Option) gin.HandlerFunc {
	cfg := ratelimiter.NewConfig(options...)

	return func(c *gin.Context) {
		enforce(c, limiter, cfg, handler)
	}
}

// enforce runs the admission check. With no handler it continues the Gin
// chain; otherwise it calls handler directly.
func enforce(c *gin.Context, limiter ratelimiter.Limiter, cfg *ratelimiter.Config, handler ...gin.HandlerFunc) {
	req := ratelimiter.Request{
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
		Header:   c.Request.Header,
		Identity: cfg.IdentityFunc(c.Request),
	}

	decision := limiter.CheckLimit(c.Request.Context(), req)
	ratelimiter.SetHeaders(c.Writer.Header(), decision)

	if !decision.Allowed {
		cfg.Logger.Debugf(
			"Request denied for %s %s. Retry after: %ds, Limit: %d",
			req.Method, req.Path, decision.RetryAfter, decision.Limit,
		)
		cfg.ErrorHandler(c.Writer, c.Request, ratelimiter.ErrLimitExceeded, decision)
		c.Abort()
		return
	}

	if len(handler) > 0 {
		for _, h := range handler {
			h(c)
		}
	} else {
		c.Next()
	}

	if decision.ShouldRefund(c.Writer.Status()) {
		limiter.Refund(c.Request.Context(), decision)
	}
}
