// Package logrusadapter routes limiter logs to logrus.
package logrusadapter

import (
	ratelimiter "github.com/jassus213/go-route-limiter"
	"github.com/sirupsen/logrus"
)

// LogrusLogger implements ratelimiter.Logger using a logrus entry.
type LogrusLogger struct {
	entry *logrus.Entry
}

var _ ratelimiter.Logger = (*LogrusLogger)(nil)

// New wraps l. If nil is passed, a fresh logrus.Logger is used.
func New(l *logrus.Logger) *LogrusLogger {
	if l == nil {
		l = logrus.New()
	}
	return &LogrusLogger{
		entry: l.WithField("component", "route-limiter"),
	}
}

// WithFields returns an adapter whose entries carry fields in addition to
// the component tag.
func (l *LogrusLogger) WithFields(fields logrus.Fields) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithFields(fields)}
}

// Debugf logs a debug-level message
func (l *LogrusLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Errorf logs an error-level message
func (l *LogrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}
