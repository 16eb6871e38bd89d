//go:build gocv

package source

import (
	"context"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/banshee-data/tangible/internal/frames"
)

// Camera default geometry, matching the capture size the tracker was tuned
// for.
const (
	CameraWidth  = 320
	CameraHeight = 240
)

// Camera reads packed BGR frames from an OpenCV capture device.
type Camera struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	frame   *frames.Frame
	index   uint64
}

// CameraSupported reports whether camera capture was compiled in.
const CameraSupported = true

// OpenCamera opens capture device id at the default geometry.
func OpenCamera(id int) (*Camera, error) {
	capture, err := gocv.VideoCaptureDevice(id)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", id, err)
	}
	capture.Set(gocv.VideoCaptureFrameWidth, CameraWidth)
	capture.Set(gocv.VideoCaptureFrameHeight, CameraHeight)
	return &Camera{capture: capture, mat: gocv.NewMat()}, nil
}

// Next implements Source.
func (c *Camera) Next(ctx context.Context) (frames.Kind, *frames.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frames.Color, nil, err
	}
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return frames.Color, nil, fmt.Errorf("camera read failed")
	}
	w, h := c.mat.Cols(), c.mat.Rows()
	if c.frame == nil || c.frame.Width != w || c.frame.Height != h {
		c.frame = frames.NewColorFrame(w, h)
	}
	copy(c.frame.Data, c.mat.ToBytes())
	c.frame.Index = c.index
	c.frame.Timestamp = time.Now()
	c.index++
	return frames.Color, c.frame, nil
}

// Close releases the capture device.
func (c *Camera) Close() error {
	c.mat.Close()
	return c.capture.Close()
}
