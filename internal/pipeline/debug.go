package pipeline

import (
	"io"
	"log"
	"sync/atomic"
)

// stream is one of the session log streams. A stream without a writer
// discards everything.
type stream struct {
	logger atomic.Pointer[log.Logger]
}

func (s *stream) set(prefix string, w io.Writer) {
	if w == nil {
		s.logger.Store(nil)
		return
	}
	s.logger.Store(log.New(w, prefix, log.LstdFlags|log.Lmicroseconds))
}

func (s *stream) printf(format string, args ...interface{}) {
	if l := s.logger.Load(); l != nil {
		l.Printf(format, args...)
	}
}

var opsLog, diagLog, traceLog stream

// SetLogWriters routes the session log streams:
//
//   - ops: actionable warnings and errors, such as skipped cycles
//   - diag: lifecycle and tuning context, including the frame rate
//   - trace: one line per frame
//
// A nil writer disables that stream. It may be called at any time.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLog.set("[session] ", ops)
	diagLog.set("[session] ", diag)
	traceLog.set("[session:trace] ", trace)
}

func opsf(format string, args ...interface{})   { opsLog.printf(format, args...) }
func diagf(format string, args ...interface{})  { diagLog.printf(format, args...) }
func tracef(format string, args ...interface{}) { traceLog.printf(format, args...) }
