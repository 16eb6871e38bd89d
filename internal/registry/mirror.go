package registry

import (
	"sort"
	"sync"
	"time"
)

// Mirror is a concurrency-safe copy of a registry, maintained by
// subscribing to it. HTTP handlers and other goroutines read the mirror
// instead of the registry itself.
type Mirror struct {
	mu      sync.RWMutex
	objects map[int]Pose
	counts  [3]uint64
	updated time.Time
}

// NewMirror returns an empty mirror. Attach it with Attach or call Apply
// directly from a registry handler.
func NewMirror() *Mirror {
	return &Mirror{objects: make(map[int]Pose)}
}

// Attach subscribes the mirror to r and seeds it with r's current state.
func (m *Mirror) Attach(r *Registry) func() {
	m.mu.Lock()
	for _, o := range r.Snapshot() {
		m.objects[o.ID] = o.Pose
	}
	m.mu.Unlock()

	tok := r.Subscribe(func(ev Event, id int) {
		pose, _ := r.Get(id)
		m.Apply(ev, id, pose)
	}, Back)
	return func() { r.Unsubscribe(tok) }
}

// Apply records one registry event.
func (m *Mirror) Apply(ev Event, id int, pose Pose) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev {
	case Add, Update:
		m.objects[id] = pose
	case Remove:
		delete(m.objects, id)
	}
	if int(ev) < len(m.counts) {
		m.counts[ev]++
	}
	m.updated = time.Now()
}

// MirrorSnapshot is a point-in-time view of a mirror.
type MirrorSnapshot struct {
	Objects []Object          `json:"objects"`
	Events  map[string]uint64 `json:"events"`
	Updated time.Time         `json:"updated"`
}

// Snapshot returns the mirrored objects ordered by id together with event
// counters.
func (m *Mirror) Snapshot() MirrorSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := MirrorSnapshot{
		Objects: make([]Object, 0, len(m.objects)),
		Events: map[string]uint64{
			Add.String():    m.counts[Add],
			Update.String(): m.counts[Update],
			Remove.String(): m.counts[Remove],
		},
		Updated: m.updated,
	}
	for id, p := range m.objects {
		s.Objects = append(s.Objects, Object{ID: id, Pose: p})
	}
	sort.Slice(s.Objects, func(i, j int) bool { return s.Objects[i].ID < s.Objects[j].ID })
	return s
}
