// Package zapadapter routes limiter logs to a zap logger.
package zapadapter

import (
	ratelimiter "github.com/jassus213/go-route-limiter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component is attached to every entry as the "component" field.
const Component = "route-limiter"

// ZapLogger implements ratelimiter.Logger on top of a zap.SugaredLogger.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

var _ ratelimiter.Logger = (*ZapLogger)(nil)

// New wraps l. A nil logger falls back to zap.NewNop().
//
// Example:
//
//	logger, _ := zap.NewProduction()
//	limiter := ratelimiter.New(store, registry, ratelimiter.WithLogger(zapadapter.New(logger)))
func New(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{logger: l.With(zap.String("component", Component)).Sugar()}
}

// NewDevelopment builds a console logger at the given level, as used by the CLI.
func NewDevelopment(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// With returns a logger that adds key/value pairs to every entry,
// e.g. the rule a controller serves.
func (z *ZapLogger) With(args ...interface{}) *ZapLogger {
	return &ZapLogger{logger: z.logger.With(args...)}
}

// Debugf logs admission decisions.
func (z *ZapLogger) Debugf(format string, args ...interface{}) {
	z.logger.Debugf(format, args...)
}

// Errorf logs store failures and other errors that did not stop the request.
func (z *ZapLogger) Errorf(format string, args ...interface{}) {
	z.logger.Errorf(format, args...)
}
