package detector

import (
	"context"
	"math"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/tracker"
)

// SyntheticConfig describes the animation produced by Synthetic.
type SyntheticConfig struct {
	// Markers is the number of markers, with ids 0..Markers-1.
	Markers int

	// Period is the number of frames for one orbit of the surface centre.
	Period int

	// Radius is the orbit radius as a fraction of the smaller frame side.
	Radius float64

	// HalfSize is the marker half side in pixels.
	HalfSize float64

	// VisibleFrames and HiddenFrames set each marker's duty cycle. A marker
	// with HiddenFrames 0 never disappears.
	VisibleFrames int
	HiddenFrames  int
}

// DefaultSyntheticConfig returns a three marker animation suitable for the
// 320x240 default frame size.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Markers:       3,
		Period:        300,
		Radius:        0.3,
		HalfSize:      12,
		VisibleFrames: 240,
		HiddenFrames:  60,
	}
}

// Synthetic moves markers on circular orbits around the frame centre. The
// positions are a pure function of the frame index, so replays and tests
// are deterministic.
type Synthetic struct {
	cfg SyntheticConfig
}

// NewSynthetic returns a synthetic detector.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Period <= 0 {
		cfg.Period = 1
	}
	return &Synthetic{cfg: cfg}
}

// Find implements tracker.Detector. The mode is ignored.
func (s *Synthetic) Find(ctx context.Context, f *frames.Frame, mode tracker.Mode) ([]tracker.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.At(f.Index, f.Width, f.Height), nil
}

// At returns the detections for frame index i in a width x height frame.
func (s *Synthetic) At(i uint64, width, height int) []tracker.Detection {
	n := s.cfg.Markers
	if n <= 0 {
		return nil
	}
	cx, cy := float64(width)/2, float64(height)/2
	r := s.cfg.Radius * math.Min(float64(width), float64(height))
	cycle := uint64(s.cfg.VisibleFrames + s.cfg.HiddenFrames)

	out := make([]tracker.Detection, 0, n)
	for id := 0; id < n; id++ {
		if s.cfg.HiddenFrames > 0 && cycle > 0 {
			// stagger the hidden window so markers do not vanish together
			phase := (i + uint64(id)*cycle/uint64(n)) % cycle
			if phase >= uint64(s.cfg.VisibleFrames) {
				continue
			}
		}
		theta := 2*math.Pi*float64(i)/float64(s.cfg.Period) + 2*math.Pi*float64(id)/float64(n)
		x := cx + r*math.Cos(theta)
		y := cy + r*math.Sin(theta)
		out = append(out, Square(id, x, y, s.cfg.HalfSize, theta))
	}
	return out
}
