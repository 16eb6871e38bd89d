//go:build !gocv

package source

import (
	"context"
	"fmt"

	"github.com/banshee-data/tangible/internal/frames"
)

// Camera is a stub when built without gocv support.
type Camera struct{}

// CameraSupported reports whether camera capture was compiled in.
const CameraSupported = false

// OpenCamera returns an error when gocv support is not compiled in.
func OpenCamera(id int) (*Camera, error) {
	return nil, fmt.Errorf("camera capture not supported: binary built without gocv tag")
}

// Next returns an error when gocv support is not compiled in.
func (c *Camera) Next(ctx context.Context) (frames.Kind, *frames.Frame, error) {
	return frames.Color, nil, fmt.Errorf("camera capture not supported")
}

// Close is a no-op.
func (c *Camera) Close() error {
	return nil
}
