package source

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/timeutil"
)

func TestSynthetic_Finite(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Kind: frames.Color, Width: 8, Height: 6, Frames: 3})
	require.NoError(t, err)
	defer src.Close()

	for i := uint64(0); i < 3; i++ {
		kind, f, err := src.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, frames.Color, kind)
		assert.Equal(t, i, f.Index)
		assert.Equal(t, 8, f.Width)
		assert.NoError(t, f.Validate())
	}
	_, _, err = src.Next(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestSynthetic_Depth(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Kind: frames.Depth, Width: 4, Height: 4, Frames: 1})
	require.NoError(t, err)
	kind, f, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, frames.Depth, kind)
	assert.Equal(t, 2, f.BytesPerChannel)
}

func TestSynthetic_InvalidSize(t *testing.T) {
	_, err := NewSynthetic(SyntheticConfig{Width: 0, Height: 10})
	assert.Error(t, err)
}

func TestSynthetic_TickerRespectsContext(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Width: 2, Height: 2, FPS: 0.1})
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPump_UntilExhausted(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Width: 4, Height: 4, Frames: 5})
	require.NoError(t, err)

	bus := frames.NewBus()
	var indexes []uint64
	bus.Subscribe(frames.Color, func(ctx context.Context, kind frames.Kind, f *frames.Frame) error {
		indexes = append(indexes, f.Index)
		return nil
	}, frames.Back)

	require.NoError(t, Pump(context.Background(), src, bus))
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, indexes)
}

func TestPump_HandlerErrorStops(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Width: 4, Height: 4, Frames: 5})
	require.NoError(t, err)

	boom := errors.New("detector failed")
	bus := frames.NewBus()
	calls := 0
	bus.Subscribe(frames.Color, func(ctx context.Context, kind frames.Kind, f *frames.Frame) error {
		calls++
		if f.Index == 1 {
			return boom
		}
		return nil
	}, frames.Back)

	err = Pump(context.Background(), src, bus)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestPump_Cancel(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Width: 4, Height: 4, FPS: 1000})
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	bus := frames.NewBus()
	n := 0
	bus.Subscribe(frames.Color, func(ctx context.Context, kind frames.Kind, f *frames.Frame) error {
		n++
		if n == 3 {
			cancel()
		}
		return nil
	}, frames.Back)

	assert.NoError(t, Pump(ctx, src, bus))
	assert.Equal(t, 3, n, "cancellation is checked once per cycle")
}

func TestPump_CancelDuringHandler(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Width: 4, Height: 4})
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := frames.NewBus()
	bus.Subscribe(frames.Color, func(ctx context.Context, kind frames.Kind, f *frames.Frame) error {
		if f.Index == 2 {
			cancel()
			return fmt.Errorf("detect frame %d: %w", f.Index, ctx.Err())
		}
		return nil
	}, frames.Back)

	assert.NoError(t, Pump(ctx, src, bus))
}

func TestPump_HandlerErrorAfterCancelIsReturned(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Width: 4, Height: 4})
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	boom := errors.New("decoder crashed")
	bus := frames.NewBus()
	bus.Subscribe(frames.Color, func(ctx context.Context, kind frames.Kind, f *frames.Frame) error {
		cancel()
		return boom
	}, frames.Back)

	assert.ErrorIs(t, Pump(ctx, src, bus), boom)
}

type failing struct{ err error }

func (f failing) Next(ctx context.Context) (frames.Kind, *frames.Frame, error) {
	return frames.Color, nil, f.err
}
func (failing) Close() error { return nil }

func TestPump_SourceError(t *testing.T) {
	boom := errors.New("usb reset")
	err := Pump(context.Background(), failing{boom}, frames.NewBus())
	assert.ErrorIs(t, err, boom)
}

func TestCameraStub(t *testing.T) {
	if CameraSupported {
		t.Skip("camera support compiled in")
	}
	_, err := OpenCamera(0)
	assert.Error(t, err)
}

func TestSynthetic_PacedByClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	src, err := NewSynthetic(SyntheticConfig{Width: 2, Height: 2, FPS: 10, Clock: clock})
	require.NoError(t, err)
	defer src.Close()

	got := make(chan *frames.Frame)
	go func() {
		_, f, err := src.Next(context.Background())
		if err == nil {
			got <- f
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("frame delivered before the tick")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(100 * time.Millisecond)
	select {
	case f := <-got:
		require.NotNil(t, f)
		assert.Equal(t, uint64(0), f.Index)
		assert.True(t, f.Timestamp.Equal(time.Unix(100, int64(100*time.Millisecond))))
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered after the tick")
	}
}
