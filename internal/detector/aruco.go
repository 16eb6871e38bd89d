//go:build gocv

package detector

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/tracker"
)

// Aruco detects ArUco markers with OpenCV.
type Aruco struct {
	det gocv.ArucoDetector
}

// NewAruco returns a detector for the 4x4_50 dictionary.
func NewAruco() *Aruco {
	dict := gocv.GetPredefinedDictionary(gocv.ArucoDict4x4_50)
	params := gocv.NewArucoDetectorParameters()
	return &Aruco{det: gocv.NewArucoDetectorWithParams(dict, params)}
}

// Find implements tracker.Detector. OpenCV has no tracking-only mode for
// ArUco, so every frame is fully searched.
func (a *Aruco) Find(ctx context.Context, f *frames.Frame, mode tracker.Mode) ([]tracker.Detection, error) {
	if f.Channels != 3 || f.BytesPerChannel != 1 {
		return nil, fmt.Errorf("aruco: unsupported pixel format %dx%d bytes", f.Channels, f.BytesPerChannel)
	}
	img, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return nil, fmt.Errorf("aruco: wrap frame: %w", err)
	}
	defer img.Close()

	corners, ids, _ := a.det.DetectMarkers(img)
	out := make([]tracker.Detection, 0, len(ids))
	for i, id := range ids {
		if len(corners[i]) != 4 {
			continue
		}
		var d tracker.Detection
		d.ID = id
		for j, p := range corners[i] {
			d.Corners[j] = r2.Vec{X: float64(p.X), Y: float64(p.Y)}
		}
		out = append(out, d)
	}
	return out, nil
}

// Close releases the OpenCV detector.
func (a *Aruco) Close() error {
	a.det.Close()
	return nil
}
