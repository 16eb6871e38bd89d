// Package tuio implements the object profile of the TUIO 1.1 protocol.
//
// Changes are grouped into frames: InitFrame opens a frame, AddObject,
// UpdateObject and RemoveObject stage changes, and CommitFrame encodes a
// /tuio/2Dobj bundle (source, alive, set, fseq) and hands it to every
// registered Sender. AbortFrame discards a frame without sending anything.
// Objects are addressed by their symbol id (the marker id); each
// appearance of a symbol is given a new session id.
package tuio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// ObjectProfile is the OSC address of the 2D object profile.
const ObjectProfile = "/tuio/2Dobj"

var (
	// ErrFrameOpen is returned by InitFrame while a frame is open.
	ErrFrameOpen = errors.New("tuio: frame already open")
	// ErrNoFrame is returned by object operations and CommitFrame when no
	// frame is open.
	ErrNoFrame = errors.New("tuio: no open frame")
	// ErrUnknownObject is returned when updating or removing a symbol that
	// is not on the surface.
	ErrUnknownObject = errors.New("tuio: unknown object")
	// ErrDuplicateObject is returned when adding a symbol that is already on
	// the surface.
	ErrDuplicateObject = errors.New("tuio: object already added")
)

// Sender delivers an encoded OSC packet to TUIO clients.
type Sender interface {
	SendOSC(packet []byte) error
}

// Object is the state of one tangible object as TUIO describes it.
type Object struct {
	SessionID int32
	SymbolID  int32

	X, Y, Angle float32

	XSpeed, YSpeed, RotationSpeed float32
	MotionAccel, RotationAccel    float32

	updated time.Time
}

func (o *Object) move(t time.Time, x, y, angle float32) {
	dt := t.Sub(o.updated).Seconds()
	if dt <= 0 {
		o.X, o.Y, o.Angle = x, y, angle
		o.updated = t
		return
	}
	dx, dy := float64(x-o.X), float64(y-o.Y)
	da := float64(angle - o.Angle)
	if da > math.Pi {
		da -= 2 * math.Pi
	} else if da < -math.Pi {
		da += 2 * math.Pi
	}

	speed := math.Hypot(float64(o.XSpeed), float64(o.YSpeed))
	xs := dx / dt
	ys := dy / dt
	rs := da / (2 * math.Pi) / dt

	o.MotionAccel = float32((math.Hypot(xs, ys) - speed) / dt)
	o.RotationAccel = float32((rs - float64(o.RotationSpeed)) / dt)
	o.XSpeed, o.YSpeed, o.RotationSpeed = float32(xs), float32(ys), float32(rs)
	o.X, o.Y, o.Angle = x, y, angle
	o.updated = t
}

// Server tracks the objects on the surface and encodes TUIO frames. It is
// not safe for concurrent use.
type Server struct {
	source  string
	senders []Sender

	objects     map[int32]*Object
	nextSession int32
	fseq        int32

	open    bool
	frameAt time.Time
	pending map[int32]*Object
	removed map[int32]bool
	changed map[int32]bool
}

// NewServer returns a server announcing itself as source, usually
// "name@host".
func NewServer(source string) *Server {
	return &Server{
		source:  source,
		objects: make(map[int32]*Object),
	}
}

// AddSender registers a destination for committed frames.
func (s *Server) AddSender(snd Sender) {
	s.senders = append(s.senders, snd)
}

// InitFrame opens a frame timestamped t.
func (s *Server) InitFrame(t time.Time) error {
	if s.open {
		return ErrFrameOpen
	}
	s.open = true
	s.frameAt = t
	s.pending = make(map[int32]*Object)
	s.removed = make(map[int32]bool)
	s.changed = make(map[int32]bool)
	return nil
}

// lookup returns the object for symbol as seen inside the open frame.
func (s *Server) lookup(symbol int32) (*Object, bool) {
	if s.removed[symbol] {
		return nil, false
	}
	if o, ok := s.pending[symbol]; ok {
		return o, true
	}
	o, ok := s.objects[symbol]
	return o, ok
}

// AddObject stages a new object under a fresh session id. Session ids are
// never reused, even when the frame is aborted.
func (s *Server) AddObject(symbol int32, x, y, angle float32) (*Object, error) {
	if !s.open {
		return nil, ErrNoFrame
	}
	if _, ok := s.lookup(symbol); ok {
		return nil, fmt.Errorf("%w: symbol %d", ErrDuplicateObject, symbol)
	}
	s.nextSession++
	o := &Object{
		SessionID: s.nextSession,
		SymbolID:  symbol,
		X:         x,
		Y:         y,
		Angle:     angle,
		updated:   s.frameAt,
	}
	delete(s.removed, symbol)
	s.pending[symbol] = o
	s.changed[symbol] = true
	return o, nil
}

// UpdateObject stages a move of an existing object.
func (s *Server) UpdateObject(symbol int32, x, y, angle float32) (*Object, error) {
	if !s.open {
		return nil, ErrNoFrame
	}
	cur, ok := s.lookup(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: symbol %d", ErrUnknownObject, symbol)
	}
	o := *cur
	o.move(s.frameAt, x, y, angle)
	s.pending[symbol] = &o
	s.changed[symbol] = true
	return &o, nil
}

// RemoveObject stages the removal of an existing object.
func (s *Server) RemoveObject(symbol int32) error {
	if !s.open {
		return ErrNoFrame
	}
	if _, ok := s.lookup(symbol); !ok {
		return fmt.Errorf("%w: symbol %d", ErrUnknownObject, symbol)
	}
	delete(s.pending, symbol)
	delete(s.changed, symbol)
	s.removed[symbol] = true
	return nil
}

// AbortFrame discards every change staged since InitFrame.
func (s *Server) AbortFrame() {
	s.open = false
	s.pending, s.removed, s.changed = nil, nil, nil
}

// CommitFrame applies the staged changes, encodes the frame bundle and
// passes it to each sender. Sender errors are joined and returned after
// every sender has been tried; the frame is committed regardless.
func (s *Server) CommitFrame() error {
	if !s.open {
		return ErrNoFrame
	}
	for sym := range s.removed {
		delete(s.objects, sym)
	}
	for sym, o := range s.pending {
		s.objects[sym] = o
	}
	changed := make([]int32, 0, len(s.changed))
	for sym := range s.changed {
		changed = append(changed, sym)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })

	s.fseq++
	at := s.frameAt
	s.AbortFrame()

	packet, err := s.Encode(at, changed)
	if err != nil {
		return err
	}
	var errs []error
	for _, snd := range s.senders {
		if err := snd.SendOSC(packet); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Objects returns the committed objects ordered by session id.
func (s *Server) Objects() []Object {
	out := make([]Object, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// FrameSequence returns the sequence number of the last committed frame.
func (s *Server) FrameSequence() int32 {
	return s.fseq
}

// Encode builds the bundle for the current committed state, with a set
// message for each symbol in changed.
func (s *Server) Encode(t time.Time, changed []int32) ([]byte, error) {
	bundle := osc.NewBundle(t)

	msgs := []*osc.Message{osc.NewMessage(ObjectProfile, "source", s.source)}

	objs := s.Objects()
	alive := osc.NewMessage(ObjectProfile, "alive")
	for _, o := range objs {
		alive.Arguments = append(alive.Arguments, o.SessionID)
	}
	msgs = append(msgs, alive)

	for _, sym := range changed {
		o, ok := s.objects[sym]
		if !ok {
			continue
		}
		msgs = append(msgs, osc.NewMessage(ObjectProfile, "set",
			o.SessionID, o.SymbolID,
			o.X, o.Y, o.Angle,
			o.XSpeed, o.YSpeed, o.RotationSpeed,
			o.MotionAccel, o.RotationAccel))
	}
	msgs = append(msgs, osc.NewMessage(ObjectProfile, "fseq", s.fseq))

	for _, m := range msgs {
		if err := bundle.Append(m); err != nil {
			return nil, fmt.Errorf("tuio: build bundle: %w", err)
		}
	}
	data, err := bundle.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("tuio: encode bundle: %w", err)
	}
	return data, nil
}
