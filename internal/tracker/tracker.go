// Package tracker turns per-frame marker detections into registry changes.
//
// A Tracker subscribes to one frame kind on the bus. For every frame it runs
// the detector, smooths the result through a persistence/gain Filter, and
// diffs the reported ids against the previous cycle: ids that disappeared
// are removed from the registry, ids that are present are set. The whole
// diff is computed before the registry is touched, so a detector failure
// leaves the registry exactly as it was.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/monitoring"
	"github.com/banshee-data/tangible/internal/registry"
)

var logf = monitoring.Component("Tracker")

// Registry is the part of registry.Registry the tracker mutates.
type Registry interface {
	Set(id int, pose registry.Pose)
	Remove(id int) error
}

// Config holds the tracker tuning.
type Config struct {
	// Kind is the frame kind the tracker consumes; other kinds are ignored.
	Kind frames.Kind

	// AlwaysDetect disables the switch to TrackOnly mode.
	AlwaysDetect bool

	// Persistence is the number of cycles an id may go undetected before
	// it is removed. 0 removes ids on the first miss.
	Persistence int

	// Gain is the weight of the previous filtered position, in [0,1].
	Gain float64

	Smoothing Smoothing
}

// DefaultConfig mirrors the chilitags defaults the tracker was tuned with.
func DefaultConfig() Config {
	return Config{
		Kind:        frames.Color,
		Persistence: 3,
		Gain:        0.1,
		Smoothing:   Exponential,
	}
}

// Stats counts tracker activity.
type Stats struct {
	Cycles     uint64 `json:"cycles"`
	Detections uint64 `json:"detections"`
	Errors     uint64 `json:"errors"`
	Alive      int    `json:"alive"`
	Mode       Mode   `json:"mode"`
}

// Tracker is the bus handler that feeds the registry.
type Tracker struct {
	detector Detector
	registry Registry
	cfg      Config
	filter   *Filter

	prevAlive map[int]struct{}
	tracking  bool
	stats     Stats

	// published is the copy of stats readable from other goroutines.
	mu        sync.Mutex
	published Stats
}

// New returns a tracker writing to reg.
func New(det Detector, reg Registry, cfg Config) (*Tracker, error) {
	if det == nil {
		return nil, errors.New("tracker: nil detector")
	}
	if reg == nil {
		return nil, errors.New("tracker: nil registry")
	}
	filter, err := NewFilter(cfg.Persistence, cfg.Gain, cfg.Smoothing)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	return &Tracker{
		detector:  det,
		registry:  reg,
		cfg:       cfg,
		filter:    filter,
		prevAlive: make(map[int]struct{}),
	}, nil
}

// Attach subscribes the tracker to its frame kind on bus.
func (t *Tracker) Attach(bus *frames.Bus) frames.Token {
	return bus.Subscribe(t.cfg.Kind, t.Fire, frames.Back)
}

// Mode returns the detection mode the next frame will use.
func (t *Tracker) Mode() Mode {
	if t.tracking && !t.cfg.AlwaysDetect {
		return TrackOnly
	}
	return TrackAndDetect
}

// Stats returns a copy of the tracker counters as of the last frame. It is
// safe to call from any goroutine.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published
}

func (t *Tracker) publish() {
	s := t.stats
	s.Alive = len(t.prevAlive)
	s.Mode = t.Mode()
	t.mu.Lock()
	t.published = s
	t.mu.Unlock()
}

// Fire processes one frame. It implements frames.Handler.
func (t *Tracker) Fire(ctx context.Context, kind frames.Kind, f *frames.Frame) error {
	if kind != t.cfg.Kind {
		return nil
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("tracker: %w", err)
	}
	t.stats.Cycles++
	defer t.publish()

	mode := t.Mode()
	dets, err := t.detector.Find(ctx, f, mode)
	if err != nil {
		t.stats.Errors++
		return fmt.Errorf("detect frame %d (%s): %w", f.Index, mode, err)
	}
	t.stats.Detections += uint64(len(dets))

	obs := make([]Observation, 0, len(dets))
	dup := make(map[int]struct{}, len(dets))
	for _, d := range dets {
		if _, ok := dup[d.ID]; ok {
			logf("frame %d: duplicate detection of id %d ignored", f.Index, d.ID)
			continue
		}
		dup[d.ID] = struct{}{}
		pose := PoseFromCorners(d.Corners, f.Width, f.Height)
		if !pose.IsFinite() {
			logf("frame %d: non-finite pose for id %d ignored", f.Index, d.ID)
			continue
		}
		obs = append(obs, Observation{ID: d.ID, Pose: pose})
	}

	reported, err := t.filter.Apply(obs)
	if err != nil {
		t.stats.Errors++
		return fmt.Errorf("filter frame %d: %w", f.Index, err)
	}

	alive := make(map[int]struct{}, len(reported))
	for _, o := range reported {
		alive[o.ID] = struct{}{}
	}
	var missing []int
	for id := range t.prevAlive {
		if _, ok := alive[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Ints(missing)

	for _, id := range missing {
		if err := t.registry.Remove(id); err != nil && !errors.Is(err, registry.ErrNotAlive) {
			return fmt.Errorf("remove %d: %w", id, err)
		}
	}
	for _, o := range reported {
		t.registry.Set(o.ID, o.Pose)
	}

	t.prevAlive = alive
	t.tracking = len(reported) > 0
	return nil
}

// Reset forgets all tracked ids without touching the registry.
func (t *Tracker) Reset() {
	t.filter.Reset()
	t.prevAlive = make(map[int]struct{})
	t.tracking = false
	t.publish()
}

// PoseFromCorners computes the normalised pose of a marker: the centre is
// the midpoint of corners 0 and 2 divided by the frame size, and the angle
// is the direction of the edge from corner 0 to corner 1.
func PoseFromCorners(c [4]r2.Vec, width, height int) registry.Pose {
	center := r2.Scale(0.5, r2.Add(c[0], c[2]))
	edge := r2.Sub(c[1], c[0])
	return registry.Pose{
		X:     center.X / float64(width),
		Y:     center.Y / float64(height),
		Angle: math.Atan2(edge.Y, edge.X),
	}
}
