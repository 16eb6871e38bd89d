// Package registry keeps the set of objects currently on the surface and
// announces every change to them.
//
// A Registry maps marker ids to their latest pose. Set on a new id emits Add,
// Set on a known id emits Update and Remove of a known id emits Remove.
// Subscribers run synchronously, after the state change, in subscription
// order, so a handler may call Get for the id it is told about and see the
// new pose. The registry is owned by the update loop and is not safe for
// concurrent use; see Mirror for a copy that other goroutines can read.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/tangible/internal/monitoring"
	"github.com/banshee-data/tangible/internal/observer"
)

var (
	// ErrNotFound is returned by Get for ids that are not alive.
	ErrNotFound = errors.New("object not found")
	// ErrNotAlive is returned by Remove for ids that are not alive.
	ErrNotAlive = errors.New("object not alive")
)

var logf = monitoring.Component("Registry")

// Pose is the position of an object on the surface. X and Y are normalised
// to the frame size; Angle is in radians.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Angle float64 `json:"angle"`
}

// IsFinite reports whether every component is a finite number.
func (p Pose) IsFinite() bool {
	for _, v := range [...]float64{p.X, p.Y, p.Angle} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Event is the kind of change applied to an object.
type Event int

const (
	Add Event = iota
	Update
	Remove
)

func (e Event) String() string {
	switch e {
	case Add:
		return "ADD"
	case Update:
		return "UPDATE"
	case Remove:
		return "REMOVE"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// ParseEvent is the inverse of Event.String.
func ParseEvent(s string) (Event, error) {
	switch s {
	case "ADD":
		return Add, nil
	case "UPDATE":
		return Update, nil
	case "REMOVE":
		return Remove, nil
	}
	return 0, fmt.Errorf("unknown event %q", s)
}

// Position and Token are re-exported from observer for subscribers.
type (
	Position = observer.Position
	Token    = observer.Token
)

const (
	Back  = observer.Back
	Front = observer.Front
)

// Handler is called once per registry change.
type Handler func(ev Event, id int)

// Object pairs an id with its pose.
type Object struct {
	ID int `json:"id"`
	Pose
}

// Registry is the id to pose map.
type Registry struct {
	poses map[int]Pose

	seq      observer.Sequence
	handlers observer.List[Handler]
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{poses: make(map[int]Pose)}
}

// Set stores pose for id and emits Add if id was not alive, Update
// otherwise.
func (r *Registry) Set(id int, pose Pose) {
	_, alive := r.poses[id]
	r.poses[id] = pose
	if alive {
		r.emit(Update, id)
	} else {
		r.emit(Add, id)
	}
}

// Remove evicts id and emits Remove. Removing an id that is not alive is
// logged and returns ErrNotAlive without emitting anything.
func (r *Registry) Remove(id int) error {
	if _, alive := r.poses[id]; !alive {
		logf("remove of id %d ignored: not alive", id)
		return fmt.Errorf("remove %d: %w", id, ErrNotAlive)
	}
	delete(r.poses, id)
	r.emit(Remove, id)
	return nil
}

// RemoveAll removes every alive object in ascending id order, emitting one
// Remove per object.
func (r *Registry) RemoveAll() {
	for _, id := range r.Alive() {
		delete(r.poses, id)
		r.emit(Remove, id)
	}
}

// Get returns the pose of an alive id.
func (r *Registry) Get(id int) (Pose, error) {
	p, ok := r.poses[id]
	if !ok {
		return Pose{}, fmt.Errorf("get %d: %w", id, ErrNotFound)
	}
	return p, nil
}

// IsAlive reports whether id currently has a pose.
func (r *Registry) IsAlive(id int) bool {
	_, ok := r.poses[id]
	return ok
}

// Alive returns the alive ids in ascending order.
func (r *Registry) Alive() []int {
	ids := make([]int, 0, len(r.poses))
	for id := range r.poses {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of alive objects.
func (r *Registry) Len() int {
	return len(r.poses)
}

// Snapshot returns every alive object ordered by id.
func (r *Registry) Snapshot() []Object {
	out := make([]Object, 0, len(r.poses))
	for _, id := range r.Alive() {
		out = append(out, Object{ID: id, Pose: r.poses[id]})
	}
	return out
}

// Subscribe registers h for every subsequent change.
func (r *Registry) Subscribe(h Handler, pos Position) Token {
	t := r.seq.Next()
	r.handlers.Insert(t, h, pos)
	return t
}

// Unsubscribe removes the handler registered under t.
func (r *Registry) Unsubscribe(t Token) bool {
	return r.handlers.Remove(t)
}

func (r *Registry) emit(ev Event, id int) {
	r.handlers.Each(func(h Handler) error {
		h(ev, id)
		return nil
	})
}
