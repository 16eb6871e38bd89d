package pipeline

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/timeutil"
)

// DefaultFPSInterval is how often the meter reports.
const DefaultFPSInterval = 10 * time.Second

// FPSMeter counts the frames of one kind and reports the rate to the diag
// stream once per interval. Subscribe it at the front of the kind's handler
// list so it sees every frame even when a later handler fails.
type FPSMeter struct {
	kind     frames.Kind
	interval time.Duration
	clock    timeutil.Clock

	start  time.Time
	frames uint64
	total  uint64
	last   atomic.Uint64 // math.Float64bits of the last rate
}

// NewFPSMeter returns a meter for kind. A nil clock uses the real clock and
// interval <= 0 selects DefaultFPSInterval.
func NewFPSMeter(kind frames.Kind, interval time.Duration, clock timeutil.Clock) *FPSMeter {
	if interval <= 0 {
		interval = DefaultFPSInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &FPSMeter{kind: kind, interval: interval, clock: clock}
}

// Attach subscribes the meter at the front of its kind's list.
func (m *FPSMeter) Attach(bus *frames.Bus) frames.Token {
	return bus.Subscribe(m.kind, m.Fire, frames.Front)
}

// Fire counts f. It implements frames.Handler and never fails.
func (m *FPSMeter) Fire(ctx context.Context, kind frames.Kind, f *frames.Frame) error {
	if kind != m.kind {
		return nil
	}
	now := m.clock.Now()
	m.total++
	tracef("%s frame %d", kind, f.Index)
	if m.start.IsZero() {
		m.start = now
		return nil
	}
	m.frames++

	if elapsed := now.Sub(m.start); elapsed >= m.interval {
		fps := float64(m.frames) / elapsed.Seconds()
		m.last.Store(math.Float64bits(fps))
		diagf("%s: %.1f fps (%d frames)", m.kind, fps, m.total)
		m.start = now
		m.frames = 0
	}
	return nil
}

// FPS returns the rate measured over the last complete interval. It is safe
// to call from any goroutine.
func (m *FPSMeter) FPS() float64 {
	return math.Float64frombits(m.last.Load())
}
