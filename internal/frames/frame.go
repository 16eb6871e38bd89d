// Package frames defines the sensor frame model and the per-kind frame bus
// that decouples acquisition from the components consuming frames.
package frames

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the sensor stream a frame belongs to.
type Kind int

const (
	// Color frames carry packed 3-channel 8-bit pixels.
	Color Kind = iota
	// Depth frames carry 1-channel 16-bit little-endian samples.
	Depth
)

// Kinds lists every frame kind in dispatch order.
var Kinds = []Kind{Color, Depth}

func (k Kind) String() string {
	switch k {
	case Color:
		return "color"
	case Depth:
		return "depth"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrUnknownKind is returned by ParseKind for unrecognised names.
var ErrUnknownKind = errors.New("unknown frame kind")

// ParseKind maps "color" or "depth" (case-insensitive) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "color", "colour", "rgb", "bgr":
		return Color, nil
	case "depth":
		return Depth, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Frame is a single image delivered by a source. The pixel buffer is only
// valid for the duration of one bus dispatch; handlers that need to keep it
// must Clone it.
type Frame struct {
	Width           int
	Height          int
	Channels        int
	BytesPerChannel int

	// Index is the source's running frame counter.
	Index     uint64
	Timestamp time.Time

	Data []byte
}

// NewColorFrame allocates a zeroed packed BGR frame.
func NewColorFrame(width, height int) *Frame {
	return &Frame{
		Width:           width,
		Height:          height,
		Channels:        3,
		BytesPerChannel: 1,
		Data:            make([]byte, width*height*3),
	}
}

// NewDepthFrame allocates a zeroed 16-bit depth frame.
func NewDepthFrame(width, height int) *Frame {
	return &Frame{
		Width:           width,
		Height:          height,
		Channels:        1,
		BytesPerChannel: 2,
		Data:            make([]byte, width*height*2),
	}
}

// Stride returns the number of bytes per row.
func (f *Frame) Stride() int {
	return f.Width * f.Channels * f.BytesPerChannel
}

// Validate checks that the geometry is positive and the buffer is large
// enough to hold it.
func (f *Frame) Validate() error {
	if f == nil {
		return errors.New("nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if f.Channels <= 0 || f.BytesPerChannel <= 0 {
		return fmt.Errorf("invalid pixel format: channels=%d bytes_per_channel=%d", f.Channels, f.BytesPerChannel)
	}
	if need := f.Stride() * f.Height; len(f.Data) < need {
		return fmt.Errorf("frame buffer too small: have %d bytes, need %d", len(f.Data), need)
	}
	return nil
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// DepthAt returns the depth sample at (x, y). It panics if the frame is not
// a 16-bit single channel frame or the coordinates are out of range.
func (f *Frame) DepthAt(x, y int) uint16 {
	if f.Channels != 1 || f.BytesPerChannel != 2 {
		panic("frames: DepthAt on non-depth frame")
	}
	off := y*f.Stride() + x*2
	return binary.LittleEndian.Uint16(f.Data[off : off+2])
}

// SetDepth writes a depth sample at (x, y).
func (f *Frame) SetDepth(x, y int, v uint16) {
	off := y*f.Stride() + x*2
	binary.LittleEndian.PutUint16(f.Data[off:off+2], v)
}
