package tracker

import (
	"fmt"
	"math"
	"sort"

	kalman_filter "github.com/LdDl/kalman-filter"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tangible/internal/registry"
)

// Smoothing selects how the filter blends successive positions.
type Smoothing int

const (
	// Exponential blends the previous filtered pose with the new one using
	// the configured gain.
	Exponential Smoothing = iota
	// Kalman runs a constant-acceleration Kalman filter over the centre
	// point; the angle is still blended exponentially.
	Kalman
)

func (s Smoothing) String() string {
	switch s {
	case Exponential:
		return "exponential"
	case Kalman:
		return "kalman"
	default:
		return fmt.Sprintf("Smoothing(%d)", int(s))
	}
}

// ParseSmoothing maps a config value to a Smoothing.
func ParseSmoothing(s string) (Smoothing, error) {
	switch s {
	case "", "exponential":
		return Exponential, nil
	case "kalman":
		return Kalman, nil
	}
	return 0, fmt.Errorf("unknown smoothing %q", s)
}

// Kalman tuning for positions normalised to [0,1] and one step per frame.
const (
	kalmanDt       = 1.0
	kalmanUx       = 0.0
	kalmanUy       = 0.0
	kalmanStdDevA  = 0.05
	kalmanStdDevMx = 0.01
	kalmanStdDevMy = 0.01
)

// Observation is a pose attributed to a marker id for one cycle.
type Observation struct {
	ID   int
	Pose registry.Pose
}

type filtered struct {
	pose   registry.Pose
	missed int
	kf     *kalman_filter.Kalman2D
}

// Filter suppresses detection dropouts and jitter.
//
// An id keeps being reported at its last filtered pose until it has been
// missing for more than persistence consecutive cycles. When an id is seen
// again its pose becomes gain*previous + (1-gain)*observed, with angles
// blended along the shortest arc.
type Filter struct {
	persistence int
	gain        float64
	smoothing   Smoothing
	tracks      map[int]*filtered
}

// NewFilter validates the parameters and returns an empty filter.
func NewFilter(persistence int, gain float64, smoothing Smoothing) (*Filter, error) {
	if persistence < 0 {
		return nil, fmt.Errorf("persistence must be >= 0, got %d", persistence)
	}
	if gain < 0 || gain > 1 || math.IsNaN(gain) {
		return nil, fmt.Errorf("gain must be within [0,1], got %v", gain)
	}
	return &Filter{
		persistence: persistence,
		gain:        gain,
		smoothing:   smoothing,
		tracks:      make(map[int]*filtered),
	}, nil
}

// Apply folds one cycle of observations into the filter and returns the
// objects to report for this cycle, ordered by id. Observations must carry
// distinct ids.
//
// A cycle that fails leaves the filter exactly as it was.
func (f *Filter) Apply(obs []Observation) ([]Observation, error) {
	if f.smoothing == Kalman {
		for _, o := range obs {
			if tr, ok := f.tracks[o.ID]; ok {
				if err := kalmanCheck(tr.kf); err != nil {
					return nil, errors.Wrapf(err, "filter id %d", o.ID)
				}
			}
		}
	}

	seen := make(map[int]struct{}, len(obs))
	for _, o := range obs {
		seen[o.ID] = struct{}{}
		tr, ok := f.tracks[o.ID]
		if !ok {
			tr = &filtered{pose: o.Pose}
			if f.smoothing == Kalman {
				tr.kf = kalman_filter.NewKalman2D(kalmanDt, kalmanUx, kalmanUy, kalmanStdDevA, kalmanStdDevMx, kalmanStdDevMy,
					kalman_filter.WithState2D(o.Pose.X, o.Pose.Y))
			}
			f.tracks[o.ID] = tr
			continue
		}
		if err := f.blend(tr, o.Pose); err != nil {
			return nil, errors.Wrapf(err, "filter id %d", o.ID)
		}
		tr.missed = 0
	}

	for id, tr := range f.tracks {
		if _, ok := seen[id]; ok {
			continue
		}
		tr.missed++
		if tr.missed > f.persistence {
			delete(f.tracks, id)
		}
	}

	out := make([]Observation, 0, len(f.tracks))
	for id, tr := range f.tracks {
		out = append(out, Observation{ID: id, Pose: tr.pose})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Filter) blend(tr *filtered, obs registry.Pose) error {
	g := f.gain
	prev := tr.pose
	next := registry.Pose{
		Angle: wrapAngle(prev.Angle + (1-g)*angleDiff(obs.Angle, prev.Angle)),
	}

	switch f.smoothing {
	case Kalman:
		tr.kf.Predict()
		if err := tr.kf.Update(obs.X, obs.Y); err != nil {
			return errors.Wrap(err, "can't update kalman state")
		}
		next.X, next.Y = tr.kf.GetState()
	default:
		next.X = g*prev.X + (1-g)*obs.X
		next.Y = g*prev.Y + (1-g)*obs.Y
	}

	tr.pose = next
	return nil
}

// kalmanCheck repeats the covariance half of Predict and Update on scratch
// matrices. Update can only fail when the innovation covariance cannot be
// inverted, so a nil result means the real step will succeed.
func kalmanCheck(kf *kalman_filter.Kalman2D) error {
	var ap, p mat.Dense
	ap.Mul(kf.A, kf.P)
	p.Mul(&ap, kf.A.T())
	p.Add(&p, kf.Q)

	var hp, s, inv mat.Dense
	hp.Mul(kf.H, &p)
	s.Mul(&hp, kf.H.T())
	s.Add(&s, kf.R)
	if err := inv.Inverse(&s); err != nil {
		return errors.Wrap(err, "can't update kalman state")
	}
	return nil
}

// Reset forgets every filtered id.
func (f *Filter) Reset() {
	f.tracks = make(map[int]*filtered)
}

// angleDiff returns a-b folded into (-pi, pi].
func angleDiff(a, b float64) float64 {
	return wrapAngle(a - b)
}

func wrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
