package tracker

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/monitoring"
	"github.com/banshee-data/tangible/internal/registry"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// square returns the corners of a marker of half-size s centred on (cx, cy)
// and rotated by angle.
func square(id int, cx, cy, s, angle float64) Detection {
	sin, cos := math.Sincos(angle)
	rot := func(x, y float64) r2.Vec {
		return r2.Vec{X: cx + x*cos - y*sin, Y: cy + x*sin + y*cos}
	}
	return Detection{ID: id, Corners: [4]r2.Vec{rot(-s, -s), rot(s, -s), rot(s, s), rot(-s, s)}}
}

// script is a detector that returns a fixed detection list per call.
type script struct {
	cycles [][]Detection
	modes  []Mode
	err    error
	n      int
}

func (s *script) Find(ctx context.Context, f *frames.Frame, mode Mode) ([]Detection, error) {
	s.modes = append(s.modes, mode)
	if s.err != nil {
		return nil, s.err
	}
	if s.n >= len(s.cycles) {
		return nil, nil
	}
	d := s.cycles[s.n]
	s.n++
	return d, nil
}

type event struct {
	Ev   registry.Event
	ID   int
	Pose registry.Pose
}

func watch(reg *registry.Registry) *[]event {
	var got []event
	reg.Subscribe(func(ev registry.Event, id int) {
		p, _ := reg.Get(id)
		got = append(got, event{ev, id, p})
	}, registry.Back)
	return &got
}

func immediate() Config {
	cfg := DefaultConfig()
	cfg.Persistence = 0
	cfg.Gain = 0
	return cfg
}

func run(t *testing.T, tr *Tracker, cycles int) {
	t.Helper()
	for i := 0; i < cycles; i++ {
		f := frames.NewColorFrame(320, 240)
		f.Index = uint64(i)
		require.NoError(t, tr.Fire(context.Background(), frames.Color, f))
	}
}

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestTracker_MarkerAppearsAndLeaves(t *testing.T) {
	det := &script{cycles: [][]Detection{
		{square(7, 160, 120, 20, 0)},
		{},
	}}
	reg := registry.New()
	got := watch(reg)

	tr, err := New(det, reg, immediate())
	require.NoError(t, err)
	run(t, tr, 2)

	want := []event{
		{registry.Add, 7, registry.Pose{X: 0.5, Y: 0.5, Angle: 0}},
		{registry.Remove, 7, registry.Pose{}},
	}
	if diff := cmp.Diff(want, *got, approx); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestTracker_DiffOrder(t *testing.T) {
	det := &script{cycles: [][]Detection{
		{square(1, 10, 10, 5, 0), square(2, 20, 20, 5, 0), square(3, 30, 30, 5, 0)},
		{square(4, 40, 40, 5, 0), square(3, 31, 30, 5, 0), square(2, 21, 20, 5, 0)},
	}}
	reg := registry.New()
	tr, err := New(det, reg, immediate())
	require.NoError(t, err)

	run(t, tr, 1)
	got := watch(reg)
	run(t, tr, 1)

	var kinds []string
	for _, e := range *got {
		kinds = append(kinds, e.Ev.String()+":"+string(rune('0'+e.ID)))
	}
	assert.Equal(t, []string{"REMOVE:1", "UPDATE:2", "UPDATE:3", "ADD:4"}, kinds)
	assert.Equal(t, []int{2, 3, 4}, reg.Alive())
}

func TestTracker_Persistence(t *testing.T) {
	det := &script{cycles: [][]Detection{
		{square(5, 100, 100, 10, 0)},
		{}, {}, {},
	}}
	reg := registry.New()
	cfg := immediate()
	cfg.Persistence = 2
	tr, err := New(det, reg, cfg)
	require.NoError(t, err)

	run(t, tr, 3)
	assert.True(t, reg.IsAlive(5), "still reported through cycle k+P")

	run(t, tr, 1)
	assert.False(t, reg.IsAlive(5), "removed at cycle k+P+1")
}

func TestTracker_Gain(t *testing.T) {
	det := &script{cycles: [][]Detection{
		{square(1, 64, 48, 4, 0)},  // x=0.2, y=0.2
		{square(1, 128, 96, 4, 0)}, // x=0.4, y=0.4
	}}
	reg := registry.New()
	cfg := immediate()
	cfg.Gain = 0.5
	tr, err := New(det, reg, cfg)
	require.NoError(t, err)

	run(t, tr, 2)
	p, err := reg.Get(1)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, p.X, 1e-9)
	assert.InDelta(t, 0.3, p.Y, 1e-9)
}

func TestTracker_ModeSwitch(t *testing.T) {
	det := &script{cycles: [][]Detection{
		{},
		{square(1, 10, 10, 5, 0)},
		{square(1, 10, 10, 5, 0)},
		{},
		{},
	}}
	tr, err := New(det, registry.New(), immediate())
	require.NoError(t, err)

	run(t, tr, 5)
	assert.Equal(t, []Mode{TrackAndDetect, TrackAndDetect, TrackOnly, TrackOnly, TrackAndDetect}, det.modes)
}

func TestTracker_AlwaysDetect(t *testing.T) {
	det := &script{cycles: [][]Detection{
		{square(1, 10, 10, 5, 0)},
		{square(1, 10, 10, 5, 0)},
	}}
	cfg := immediate()
	cfg.AlwaysDetect = true
	tr, err := New(det, registry.New(), cfg)
	require.NoError(t, err)

	run(t, tr, 2)
	assert.Equal(t, []Mode{TrackAndDetect, TrackAndDetect}, det.modes)
}

func TestTracker_DetectorErrorLeavesRegistryUntouched(t *testing.T) {
	det := &script{cycles: [][]Detection{{square(1, 10, 10, 5, 0)}}}
	reg := registry.New()
	tr, err := New(det, reg, immediate())
	require.NoError(t, err)
	run(t, tr, 1)

	got := watch(reg)
	boom := errors.New("camera unplugged")
	det.err = boom

	err = tr.Fire(context.Background(), frames.Color, frames.NewColorFrame(320, 240))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, *got)
	assert.True(t, reg.IsAlive(1))
	assert.Equal(t, uint64(1), tr.Stats().Errors)
}

func TestTracker_IgnoresOtherKinds(t *testing.T) {
	det := &script{cycles: [][]Detection{{square(1, 10, 10, 5, 0)}}}
	reg := registry.New()
	tr, err := New(det, reg, immediate())
	require.NoError(t, err)

	require.NoError(t, tr.Fire(context.Background(), frames.Depth, frames.NewDepthFrame(4, 4)))
	assert.Empty(t, det.modes)
	assert.Equal(t, 0, reg.Len())
}

func TestTracker_AttachToBus(t *testing.T) {
	det := &script{cycles: [][]Detection{{square(3, 160, 120, 5, 0)}}}
	reg := registry.New()
	tr, err := New(det, reg, immediate())
	require.NoError(t, err)

	bus := frames.NewBus()
	tok := tr.Attach(bus)
	require.NoError(t, bus.Notify(context.Background(), frames.Color, frames.NewColorFrame(320, 240)))
	assert.True(t, reg.IsAlive(3))

	assert.True(t, bus.Unsubscribe(tok))
}

func TestTracker_DuplicateIDs(t *testing.T) {
	det := &script{cycles: [][]Detection{
		{square(2, 32, 24, 5, 0), square(2, 300, 200, 5, 0)},
	}}
	reg := registry.New()
	got := watch(reg)
	tr, err := New(det, reg, immediate())
	require.NoError(t, err)

	run(t, tr, 1)
	require.Len(t, *got, 1)
	assert.InDelta(t, 0.1, (*got)[0].Pose.X, 1e-9)
}

func TestTracker_ExternalRemoveIsTolerated(t *testing.T) {
	det := &script{cycles: [][]Detection{{square(1, 10, 10, 5, 0)}, {}}}
	reg := registry.New()
	tr, err := New(det, reg, immediate())
	require.NoError(t, err)

	run(t, tr, 1)
	reg.RemoveAll()
	run(t, tr, 1)
	assert.Equal(t, 0, reg.Len())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, registry.New(), DefaultConfig())
	assert.Error(t, err)

	_, err = New(&script{}, nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Gain = 1.5
	_, err = New(&script{}, registry.New(), cfg)
	assert.Error(t, err)
}

func TestPoseFromCorners(t *testing.T) {
	d := square(0, 160, 120, 10, math.Pi/2)
	p := PoseFromCorners(d.Corners, 320, 240)
	assert.InDelta(t, 0.5, p.X, 1e-9)
	assert.InDelta(t, 0.5, p.Y, 1e-9)
	assert.InDelta(t, math.Pi/2, p.Angle, 1e-9)

	// x is normalised by width and y by height
	d = square(0, 80, 180, 10, 0)
	p = PoseFromCorners(d.Corners, 320, 240)
	assert.InDelta(t, 0.25, p.X, 1e-9)
	assert.InDelta(t, 0.75, p.Y, 1e-9)
}
