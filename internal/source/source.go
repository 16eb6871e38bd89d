// Package source produces sensor frames and pumps them onto the frame bus.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/timeutil"
)

// ErrExhausted is returned by Next when a finite source has no more frames.
var ErrExhausted = errors.New("source exhausted")

// Source yields frames one at a time. The returned frame is only valid until
// the next call to Next.
type Source interface {
	Next(ctx context.Context) (frames.Kind, *frames.Frame, error)
	Close() error
}

// Pump reads frames from src and notifies bus until ctx is cancelled or the
// source is exhausted, both of which return nil. A source or handler error
// caused by the cancellation is a clean stop too. Any other error stops the
// pump and is returned.
func Pump(ctx context.Context, src Source, bus *frames.Bus) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		kind, f, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrExhausted) {
				return nil
			}
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if err := bus.Notify(ctx, kind, f); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return fmt.Errorf("dispatch %s frame %d: %w", kind, f.Index, err)
		}
	}
}

// SyntheticConfig configures a Synthetic source.
type SyntheticConfig struct {
	Kind   frames.Kind
	Width  int
	Height int

	// FPS limits the frame rate. Zero produces frames as fast as they are
	// consumed.
	FPS float64

	// Frames stops the source after this many frames. Zero means unbounded.
	Frames uint64

	// Clock paces the frames; nil uses the real clock.
	Clock timeutil.Clock
}

// DefaultSyntheticConfig matches the default camera geometry.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{Kind: frames.Color, Width: 320, Height: 240, FPS: 30}
}

// Synthetic emits blank frames with an increasing index. It pairs with
// detector.Synthetic, which derives marker positions from the index.
type Synthetic struct {
	cfg    SyntheticConfig
	frame  *frames.Frame
	clock  timeutil.Clock
	ticker timeutil.Ticker
	index  uint64
}

// NewSynthetic returns a synthetic source.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid synthetic frame size %dx%d", cfg.Width, cfg.Height)
	}
	s := &Synthetic{cfg: cfg, clock: cfg.Clock}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	switch cfg.Kind {
	case frames.Depth:
		s.frame = frames.NewDepthFrame(cfg.Width, cfg.Height)
	default:
		s.frame = frames.NewColorFrame(cfg.Width, cfg.Height)
	}
	if cfg.FPS > 0 {
		s.ticker = s.clock.NewTicker(time.Duration(float64(time.Second) / cfg.FPS))
	}
	return s, nil
}

// Next implements Source.
func (s *Synthetic) Next(ctx context.Context) (frames.Kind, *frames.Frame, error) {
	if s.cfg.Frames > 0 && s.index >= s.cfg.Frames {
		return s.cfg.Kind, nil, ErrExhausted
	}
	if s.ticker != nil {
		select {
		case <-ctx.Done():
			return s.cfg.Kind, nil, ctx.Err()
		case <-s.ticker.C():
		}
	}
	s.frame.Index = s.index
	s.frame.Timestamp = s.clock.Now()
	s.index++
	return s.cfg.Kind, s.frame, nil
}

// Close stops the frame ticker.
func (s *Synthetic) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}
