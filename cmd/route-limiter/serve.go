package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	ratelimiter "github.com/jassus213/go-route-limiter"
	zapadapter "github.com/jassus213/go-route-limiter/adapters/zap"
	"github.com/jassus213/go-route-limiter/metrics"
	ginMiddleware "github.com/jassus213/go-route-limiter/middleware/gin"
	"github.com/jassus213/go-route-limiter/ruleset"
	"github.com/jassus213/go-route-limiter/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 10 * time.Second

var serveFlags struct {
	rules          string
	listen         string
	store          string
	redisAddr      string
	redisPassword  string
	redisDB        int
	storeTimeout   time.Duration
	watch          bool
	logLevel       string
	identityHeader string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a demo HTTP server behind the limiter",
	Long: `Start a Gin server whose routes are limited by the rules in --rules.

The server exposes:
  GET  /health           never limited unless a rule matches it
  GET  /api/items        limited by the rule file
  GET  /api/search       limited by the rule file
  POST /api/auth/login   additionally limited to 5 attempts per 15 minutes
  GET  /metrics          Prometheus metrics, not limited

SIGHUP reloads the rule file. With --watch the file is also reloaded on change.

Examples:
  route-limiter serve --rules rules.yaml
  route-limiter serve --rules rules.yaml --store redis --redis-addr localhost:6379 --watch`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVarP(&serveFlags.rules, "rules", "r", "rules.yaml", "rule file")
	f.StringVarP(&serveFlags.listen, "listen", "l", ":8080", "listen address")
	f.StringVar(&serveFlags.store, "store", "memory", "counter store: memory or redis")
	f.StringVar(&serveFlags.redisAddr, "redis-addr", "localhost:6379", "Redis address")
	f.StringVar(&serveFlags.redisPassword, "redis-password", "", "Redis password")
	f.IntVar(&serveFlags.redisDB, "redis-db", 0, "Redis database")
	f.DurationVar(&serveFlags.storeTimeout, "store-timeout", ratelimiter.DefaultStoreTimeout, "timeout for each store call")
	f.BoolVar(&serveFlags.watch, "watch", false, "reload the rule file when it changes")
	f.StringVar(&serveFlags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	f.StringVar(&serveFlags.identityHeader, "identity-header", "", "trusted header carrying the authenticated user id")
}

func runServe(cmd *cobra.Command, args []string) error {
	level, err := zapcore.ParseLevel(serveFlags.logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	zl, err := zapadapter.NewDevelopment(level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer zl.Sync() //nolint:errcheck
	logger := zapadapter.New(zl)

	rules, err := ruleset.LoadWithEnvOverrides(serveFlags.rules)
	if err != nil {
		return err
	}
	registry, err := ratelimiter.NewRegistry(rules...)
	if err != nil {
		return err
	}
	zl.Info("rules loaded", zap.String("file", serveFlags.rules), zap.Int("count", len(rules)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counters, closeStore, err := openStore(ctx, zl)
	if err != nil {
		return err
	}
	defer closeStore()

	collector := metrics.NewCollector(nil)
	opts := []ratelimiter.Option{
		ratelimiter.WithLogger(logger),
		ratelimiter.WithObserver(collector),
		ratelimiter.WithStoreTimeout(serveFlags.storeTimeout),
		ratelimiter.WithOnLimitReached(func(_ context.Context, req ratelimiter.Request, rule ratelimiter.Rule, d ratelimiter.Decision) {
			zl.Info("limit reached",
				zap.String("path", req.Path),
				zap.String("identity", ratelimiter.Identity(req)),
				zap.String("rule", rule.Source()),
				zap.Int64("retry_after", d.RetryAfter),
			)
		}),
	}
	limiter := ratelimiter.New(counters, registry, opts...)

	login, err := ratelimiter.NewForRule(counters, ratelimiter.RateLimitConfig{
		Window:         15 * time.Minute,
		MaxRequests:    5,
		SkipSuccessful: true,
	}, "login attempts", opts...)
	if err != nil {
		return err
	}

	watcher, err := ruleset.NewWatcher(serveFlags.rules, registry,
		ruleset.WithLoader(ruleset.LoadWithEnvOverrides),
		ruleset.WithWatchLogger(logger),
		ruleset.WithReloadHook(collector.ObserveReload(registry)),
	)
	if err != nil {
		return err
	}
	defer watcher.Stop() //nolint:errcheck
	if serveFlags.watch {
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				zl.Error("rule watcher stopped", zap.Error(err))
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				_ = watcher.Reload()
			}
		}
	}()

	srv := &http.Server{
		Addr:              serveFlags.listen,
		Handler:           newRouter(limiter, login, collector, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("listening", zap.String("addr", serveFlags.listen), zap.String("store", serveFlags.store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore builds the counter store selected by --store.
func openStore(ctx context.Context, zl *zap.Logger) (ratelimiter.Store, func(), error) {
	switch serveFlags.store {
	case "memory":
		mem := store.NewMemory()
		return mem, func() { _ = mem.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     serveFlags.redisAddr,
			Password: serveFlags.redisPassword,
			DB:       serveFlags.redisDB,
		})
		rs := store.NewRedis(client)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			// requests are admitted while Redis is unreachable
			zl.Warn("redis unreachable at startup", zap.String("addr", serveFlags.redisAddr), zap.Error(err))
		}
		return rs, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown --store %q (want memory or redis)", serveFlags.store)
	}
}

func newRouter(limiter, login ratelimiter.Limiter, collector *metrics.Collector, logger ratelimiter.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// registered before the limiter so scrapes are never counted
	router.GET("/metrics", gin.WrapH(collector.Handler()))

	mwOpts := []ratelimiter.Option{ratelimiter.WithLogger(logger)}
	if serveFlags.identityHeader != "" {
		header := serveFlags.identityHeader
		mwOpts = append(mwOpts, ratelimiter.WithIdentityFunc(func(r *http.Request) string {
			return r.Header.Get(header)
		}))
	}
	router.Use(ginMiddleware.RateLimiter(limiter, mwOpts...))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.GET("/api/items", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "items": []string{"a", "b", "c"}})
	})
	router.GET("/api/search", func(c *gin.Context) {
		q := c.Query("q")
		if q == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "missing q"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "query": q})
	})
	router.POST("/api/auth/login", ginMiddleware.Protect(login, func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}, mwOpts...))

	return router
}
