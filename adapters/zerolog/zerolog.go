// Package zerologadapter routes limiter logs to a zerolog logger.
package zerologadapter

import (
	ratelimiter "github.com/jassus213/go-route-limiter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ZerologLogger implements ratelimiter.Logger using zerolog.
type ZerologLogger struct {
	logger zerolog.Logger
}

var _ ratelimiter.Logger = (*ZerologLogger)(nil)

// New wraps l, tagging entries with component=route-limiter.
// A nil logger falls back to zerolog's global logger.
func New(l *zerolog.Logger) *ZerologLogger {
	if l == nil {
		l = &log.Logger
	}
	return &ZerologLogger{
		logger: l.With().Str("component", "route-limiter").Logger(),
	}
}

// Level returns a copy of the adapter that only emits entries at or above lvl.
func (z *ZerologLogger) Level(lvl zerolog.Level) *ZerologLogger {
	return &ZerologLogger{logger: z.logger.Level(lvl)}
}

// Debugf logs admission decisions.
func (z *ZerologLogger) Debugf(format string, args ...interface{}) {
	z.logger.Debug().Msgf(format, args...)
}

// Errorf logs store failures.
func (z *ZerologLogger) Errorf(format string, args ...interface{}) {
	z.logger.Error().Msgf(format, args...)
}
