package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/source"
	"github.com/banshee-data/tangible/internal/timeutil"
	"github.com/banshee-data/tangible/internal/tracker"
)

// Player replays a recording as a frame source and a matching detector.
// The source emits blank frames carrying the recorded index and geometry;
// the detector returns the detections recorded for that index.
type Player struct {
	records  []Record
	byIndex  map[uint64][]tracker.Detection
	realtime bool
	clock    timeutil.Clock
}

// Load reads the whole recording at path. With realtime set, the source
// sleeps between frames according to the recorded timestamps.
func Load(path string, realtime bool) (*Player, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	p := &Player{
		records:  records,
		byIndex:  make(map[uint64][]tracker.Detection, len(records)),
		realtime: realtime,
		clock:    timeutil.RealClock{},
	}
	for _, rec := range records {
		p.byIndex[rec.Index] = rec.Detections()
	}
	return p, nil
}

// SetClock replaces the clock used for realtime pacing.
func (p *Player) SetClock(c timeutil.Clock) {
	p.clock = c
}

// Len returns the number of recorded frames.
func (p *Player) Len() int {
	return len(p.records)
}

// Source returns a fresh source positioned at the first record.
func (p *Player) Source() source.Source {
	return &playerSource{p: p}
}

// Detector returns the detector answering with recorded detections.
func (p *Player) Detector() tracker.Detector {
	return tracker.DetectorFunc(func(ctx context.Context, f *frames.Frame, mode tracker.Mode) ([]tracker.Detection, error) {
		dets, ok := p.byIndex[f.Index]
		if !ok {
			return nil, fmt.Errorf("no recorded detections for frame %d", f.Index)
		}
		return dets, nil
	})
}

type playerSource struct {
	p     *Player
	next  int
	frame *frames.Frame
	last  int64
}

func (s *playerSource) Next(ctx context.Context) (frames.Kind, *frames.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frames.Color, nil, err
	}
	if s.next >= len(s.p.records) {
		return frames.Color, nil, source.ErrExhausted
	}
	rec := s.p.records[s.next]
	s.next++

	if s.p.realtime && s.last != 0 && rec.TimestampNs > s.last {
		if err := s.p.clock.Sleep(ctx, time.Duration(rec.TimestampNs-s.last)); err != nil {
			return frames.Color, nil, err
		}
	}
	s.last = rec.TimestampNs

	kind := frames.Kind(rec.Kind)
	if s.frame == nil || s.frame.Width != rec.Width || s.frame.Height != rec.Height {
		if kind == frames.Depth {
			s.frame = frames.NewDepthFrame(rec.Width, rec.Height)
		} else {
			s.frame = frames.NewColorFrame(rec.Width, rec.Height)
		}
	}
	s.frame.Index = rec.Index
	s.frame.Timestamp = time.Unix(0, rec.TimestampNs)
	return kind, s.frame, nil
}

func (s *playerSource) Close() error {
	return nil
}
