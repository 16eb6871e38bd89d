//go:build !gocv

package detector

import (
	"context"
	"fmt"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/tracker"
)

// Aruco is a stub when built without gocv support.
type Aruco struct{}

// NewAruco returns a stub detector.
func NewAruco() *Aruco {
	return &Aruco{}
}

// Find returns an error when gocv support is not compiled in.
func (a *Aruco) Find(ctx context.Context, f *frames.Frame, mode tracker.Mode) ([]tracker.Detection, error) {
	return nil, fmt.Errorf("aruco detection not supported: binary built without gocv tag")
}

// Close is a no-op.
func (a *Aruco) Close() error {
	return nil
}
