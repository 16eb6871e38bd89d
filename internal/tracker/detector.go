package tracker

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/tangible/internal/frames"
)

// Mode tells the detector how much work to do for a frame.
type Mode int

const (
	// TrackAndDetect runs full detection over the frame.
	TrackAndDetect Mode = iota
	// TrackOnly follows markers found on previous frames without searching
	// for new ones.
	TrackOnly
)

func (m Mode) String() string {
	switch m {
	case TrackAndDetect:
		return "track_and_detect"
	case TrackOnly:
		return "track_only"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Detection is a single marker found in a frame. Corners are in pixel
// coordinates, clockwise from the marker's top-left.
type Detection struct {
	ID      int
	Corners [4]r2.Vec
}

// Detector locates markers in a frame. Implementations must not retain f
// after Find returns.
type Detector interface {
	Find(ctx context.Context, f *frames.Frame, mode Mode) ([]Detection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, f *frames.Frame, mode Mode) ([]Detection, error)

// Find calls fn.
func (fn DetectorFunc) Find(ctx context.Context, f *frames.Frame, mode Mode) ([]Detection, error) {
	return fn(ctx, f, mode)
}
