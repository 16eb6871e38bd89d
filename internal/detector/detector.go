// Package detector provides marker detectors for the tracker: a scripted
// detector for tests and replays, a synthetic detector that animates
// markers without a camera, a deadline wrapper, and an ArUco detector built
// with the gocv tag.
package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/tracker"
)

// ErrTimeout is returned by a detector wrapped with WithTimeout when Find
// does not finish in time.
var ErrTimeout = errors.New("detector timed out")

// Square returns a detection for a square marker with half side half,
// centred on (cx, cy) in pixels and rotated by angle radians.
func Square(id int, cx, cy, half, angle float64) tracker.Detection {
	sin, cos := math.Sincos(angle)
	corner := func(x, y float64) r2.Vec {
		return r2.Add(r2.Vec{X: cx, Y: cy}, r2.Vec{X: x*cos - y*sin, Y: x*sin + y*cos})
	}
	return tracker.Detection{
		ID: id,
		Corners: [4]r2.Vec{
			corner(-half, -half),
			corner(half, -half),
			corner(half, half),
			corner(-half, half),
		},
	}
}

// Scripted returns a fixed list of detections per call, in order. After the
// script is exhausted it returns no detections.
type Scripted struct {
	steps [][]tracker.Detection
	next  int
	modes []tracker.Mode
}

// NewScripted returns a detector replaying steps.
func NewScripted(steps ...[]tracker.Detection) *Scripted {
	return &Scripted{steps: steps}
}

// Find implements tracker.Detector.
func (s *Scripted) Find(ctx context.Context, f *frames.Frame, mode tracker.Mode) ([]tracker.Detection, error) {
	s.modes = append(s.modes, mode)
	if s.next >= len(s.steps) {
		return nil, nil
	}
	d := s.steps[s.next]
	s.next++
	return d, nil
}

// Modes returns the mode passed to each Find call so far.
func (s *Scripted) Modes() []tracker.Mode {
	return append([]tracker.Mode(nil), s.modes...)
}

// Remaining returns the number of unplayed steps.
func (s *Scripted) Remaining() int {
	return len(s.steps) - s.next
}

type result struct {
	dets []tracker.Detection
	err  error
}

// WithTimeout bounds every Find call on d. A zero or negative timeout
// returns d unchanged. The wrapped detector receives a private copy of the
// frame, because a call that overruns keeps running after Find returns.
//
// At most one call runs on d at a time. While an overrun call is still
// busy, the next Find waits for it within its own timeout and fails with
// ErrTimeout if it does not finish.
func WithTimeout(d tracker.Detector, timeout time.Duration) tracker.Detector {
	if timeout <= 0 {
		return d
	}
	busy := make(chan struct{}, 1)
	return tracker.DetectorFunc(func(ctx context.Context, f *frames.Frame, mode tracker.Mode) ([]tracker.Detection, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		select {
		case busy <- struct{}{}:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: previous call still running", ErrTimeout, timeout)
			}
			return nil, ctx.Err()
		}

		frame := f.Clone()
		done := make(chan result, 1)
		go func() {
			defer func() { <-busy }()
			dets, err := d.Find(ctx, frame, mode)
			done <- result{dets, err}
		}()

		select {
		case r := <-done:
			return r.dets, r.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
			}
			return nil, ctx.Err()
		}
	})
}
