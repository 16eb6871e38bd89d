// Package monitoring holds the process-wide diagnostic logger shared by the
// tracking core. Library packages log through Logf so that tests and the CLI
// can redirect or mute them without touching the standard logger.
package monitoring

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Component returns a logger that prefixes every line with "[name] " and
// forwards to whatever Logf is at call time.
func Component(name string) func(format string, v ...interface{}) {
	prefix := fmt.Sprintf("[%s] ", name)
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}

// Limiter passes the first call and then every Nth call. It is used to keep
// per-frame warnings (dropped sends, rejected events) from flooding the log.
type Limiter struct {
	every uint64
	n     atomic.Uint64
}

// NewLimiter returns a Limiter that allows one in every n calls.
func NewLimiter(n uint64) *Limiter {
	if n == 0 {
		n = 1
	}
	return &Limiter{every: n}
}

// Allow reports whether this call should be logged and the total number of
// calls so far.
func (l *Limiter) Allow() (bool, uint64) {
	count := l.n.Add(1)
	return (count-1)%l.every == 0, count
}
