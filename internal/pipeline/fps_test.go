package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/timeutil"
)

func TestFPSMeter(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	m := NewFPSMeter(frames.Color, time.Second, clock)
	f := frames.NewColorFrame(4, 4)

	require.NoError(t, m.Fire(context.Background(), frames.Color, f))
	assert.Zero(t, m.FPS())

	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		require.NoError(t, m.Fire(context.Background(), frames.Color, f))
	}
	assert.InDelta(t, 10.0, m.FPS(), 1e-9)

	// other kinds are not counted
	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		require.NoError(t, m.Fire(context.Background(), frames.Depth, f))
	}
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, m.Fire(context.Background(), frames.Color, f))
	assert.InDelta(t, 1.0, m.FPS(), 1e-9)
}

func TestFPSMeter_AttachRunsFirst(t *testing.T) {
	bus := frames.NewBus()
	m := NewFPSMeter(frames.Color, 0, timeutil.NewMockClock(time.Unix(0, 0)))
	assert.Equal(t, DefaultFPSInterval, m.interval)

	var seen uint64
	bus.Subscribe(frames.Color, func(context.Context, frames.Kind, *frames.Frame) error {
		seen = m.total
		return assert.AnError
	}, frames.Back)
	m.Attach(bus)

	err := bus.Notify(context.Background(), frames.Color, frames.NewColorFrame(2, 2))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, uint64(1), seen)
	assert.Equal(t, 2, bus.Len(frames.Color))
}
