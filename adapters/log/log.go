// Package stdlogadapter routes limiter logs to a standard library *log.Logger.
package stdlogadapter

import (
	"log"

	ratelimiter "github.com/jassus213/go-route-limiter"
)

// StdLogger implements ratelimiter.Logger using the standard library log package.
// Debug output is off unless enabled, since log has no levels of its own.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

var _ ratelimiter.Logger = (*StdLogger)(nil)

// New creates a StdLogger. If nil is passed, log.Default() is used.
func New(l *log.Logger, debug bool) *StdLogger {
	if l == nil {
		l = log.Default()
	}
	return &StdLogger{logger: l, debug: debug}
}

// Debugf logs with a [DEBUG] prefix when debug output is enabled.
func (s *StdLogger) Debugf(format string, args ...interface{}) {
	if !s.debug {
		return
	}
	s.logger.Printf("[DEBUG] route-limiter: "+format, args...)
}

// Errorf logs with an [ERROR] prefix.
func (s *StdLogger) Errorf(format string, args ...interface{}) {
	s.logger.Printf("[ERROR] route-limiter: "+format, args...)
}
