// Package recorder captures the detector's output per frame to a compressed
// log and plays it back, so a tracking session can be reproduced without
// the camera.
//
// A recording is a zstd stream of CBOR items: one Header followed by one
// Record per detector call. Records are keyed by small integers to keep
// the stream compact.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/tracker"
)

// Magic identifies recording files.
const Magic = "tangible-detections"

// FormatVersion is the current recording format.
const FormatVersion = 1

// ErrBadHeader is returned by Open for files that are not recordings.
var ErrBadHeader = errors.New("not a detection recording")

// Header is the first item of every recording.
type Header struct {
	Magic     string `cbor:"1,keyasint"`
	Version   int    `cbor:"2,keyasint"`
	CreatedNs int64  `cbor:"3,keyasint"`
}

// Marker is a recorded detection; corners are x0,y0 .. x3,y3 in pixels.
type Marker struct {
	ID      int        `cbor:"1,keyasint"`
	Corners [8]float64 `cbor:"2,keyasint"`
}

// Record is one detector call.
type Record struct {
	Index       uint64   `cbor:"1,keyasint"`
	Kind        int      `cbor:"2,keyasint"`
	Width       int      `cbor:"3,keyasint"`
	Height      int      `cbor:"4,keyasint"`
	TimestampNs int64    `cbor:"5,keyasint"`
	Markers     []Marker `cbor:"6,keyasint,omitempty"`
}

// Detections converts the recorded markers back to tracker detections.
func (r Record) Detections() []tracker.Detection {
	out := make([]tracker.Detection, len(r.Markers))
	for i, m := range r.Markers {
		out[i].ID = m.ID
		for j := 0; j < 4; j++ {
			out[i].Corners[j] = r2.Vec{X: m.Corners[2*j], Y: m.Corners[2*j+1]}
		}
	}
	return out
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("recorder: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("recorder: CBOR decoder initialization failed: " + err.Error())
	}
}

// Writer appends records to a recording.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	zw   *zstd.Encoder
	enc  *cbor.Encoder

	count  uint64
	closed bool
}

// Create truncates path and writes a recording header to it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	w := &Writer{file: f, zw: zw, enc: encMode.NewEncoder(zw)}
	if err := w.enc.Encode(Header{Magic: Magic, Version: FormatVersion, CreatedNs: time.Now().UnixNano()}); err != nil {
		zw.Close()
		f.Close()
		return nil, fmt.Errorf("write recording header: %w", err)
	}
	return w, nil
}

// Record appends the detections found in f.
func (w *Writer) Record(kind frames.Kind, f *frames.Frame, dets []tracker.Detection) error {
	rec := Record{
		Index:  f.Index,
		Kind:   int(kind),
		Width:  f.Width,
		Height: f.Height,
	}
	if !f.Timestamp.IsZero() {
		rec.TimestampNs = f.Timestamp.UnixNano()
	}
	for _, d := range dets {
		var m Marker
		m.ID = d.ID
		for j, c := range d.Corners {
			m.Corners[2*j] = c.X
			m.Corners[2*j+1] = c.Y
		}
		rec.Markers = append(rec.Markers, m)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("write record %d: %w", f.Index, err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Wrap returns a detector that records every successful Find of d. A
// recording failure is returned as the detector error so the session stops
// instead of silently producing a truncated file.
func (w *Writer) Wrap(d tracker.Detector) tracker.Detector {
	return tracker.DetectorFunc(func(ctx context.Context, f *frames.Frame, mode tracker.Mode) ([]tracker.Detection, error) {
		dets, err := d.Find(ctx, f, mode)
		if err != nil {
			return nil, err
		}
		kind := frames.Color
		if f.Channels == 1 && f.BytesPerChannel == 2 {
			kind = frames.Depth
		}
		if err := w.Record(kind, f, dets); err != nil {
			return nil, err
		}
		return dets, nil
	})
}

// Close flushes the compressor and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	zerr := w.zw.Close()
	ferr := w.file.Close()
	if zerr != nil {
		return fmt.Errorf("flush recording: %w", zerr)
	}
	return ferr
}

// Reader iterates over the records of a recording.
type Reader struct {
	file   *os.File
	zr     *zstd.Decoder
	dec    *cbor.Decoder
	header Header
}

// Open opens a recording and validates its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	r := &Reader{file: f, zr: zr, dec: decMode.NewDecoder(zr)}
	if err := r.dec.Decode(&r.header); err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if r.header.Magic != Magic {
		r.Close()
		return nil, fmt.Errorf("%w: magic %q", ErrBadHeader, r.header.Magic)
	}
	if r.header.Version != FormatVersion {
		r.Close()
		return nil, fmt.Errorf("unsupported recording version %d", r.header.Version)
	}
	return r, nil
}

// Header returns the recording header.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record, or io.EOF at the end of the recording.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("read record: %w", err)
	}
	return rec, nil
}

// ReadAll returns every remaining record.
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Close releases the decoder and the file.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.file.Close()
}
