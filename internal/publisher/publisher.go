// Package publisher republishes registry changes to network clients.
//
// Every publisher follows the same shape: Fire turns a registry event into
// a wire message and hands it to a Hub without blocking; the hub's
// broadcast goroutine copies it to each client's bounded queue; and a
// transport goroutine per client writes it out. Slow clients lose
// messages, failed clients are dropped, and the update loop never waits on
// the network.
package publisher

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/banshee-data/tangible/internal/monitoring"
	"github.com/banshee-data/tangible/internal/registry"
)

const (
	// DefaultQueue bounds the events waiting for the broadcast goroutine.
	DefaultQueue = 100
	// DefaultClientQueue bounds the events waiting for one client.
	DefaultClientQueue = 64
)

// Publisher is a registry subscriber that owns a network service.
type Publisher interface {
	Name() string
	Start() error
	Stop()
	Fire(ev registry.Event, id int) error
	Stats() Stats
}

// Poses is the read side of the registry a publisher needs.
type Poses interface {
	Get(id int) (registry.Pose, error)
}

// Stats are the counters of one publisher.
type Stats struct {
	Name    string `json:"name"`
	Addr    string `json:"addr,omitempty"`
	Running bool   `json:"running"`
	Clients int32  `json:"clients"`

	// Events counts messages accepted for broadcast.
	Events uint64 `json:"events"`
	// Delivered counts per-client enqueues.
	Delivered uint64 `json:"delivered"`
	// Dropped counts messages lost to a full queue.
	Dropped uint64 `json:"dropped"`
	// Rejected counts events refused by the protocol layer.
	Rejected uint64 `json:"rejected,omitempty"`
}

// Message is the JSON form of one registry event. Pos and Angle are absent
// for REMOVE.
type Message struct {
	ID    int       `json:"id"`
	Op    string    `json:"op"`
	Pos   []float64 `json:"pos,omitempty"`
	Angle *float64  `json:"angle,omitempty"`
}

// NewMessage builds the message for ev on id, reading the pose from poses
// for ADD and UPDATE.
func NewMessage(ev registry.Event, id int, poses Poses) (Message, error) {
	m := Message{ID: id, Op: ev.String()}
	if ev == registry.Remove {
		return m, nil
	}
	pose, err := poses.Get(id)
	if err != nil {
		return Message{}, fmt.Errorf("%s %d: %w", ev, id, err)
	}
	angle := pose.Angle
	m.Pos = []float64{pose.X, pose.Y}
	m.Angle = &angle
	return m, nil
}

// Marshal encodes the message as compact JSON.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Attach subscribes p to reg. Fire errors are logged, at most one in 100.
func Attach(reg *registry.Registry, p Publisher) registry.Token {
	limiter := monitoring.NewLimiter(100)
	logf := monitoring.Component(p.Name())
	return reg.Subscribe(func(ev registry.Event, id int) {
		if err := p.Fire(ev, id); err != nil {
			if ok, n := limiter.Allow(); ok {
				logf("fire %s %d failed (%d failures): %v", ev, id, n, err)
			}
		}
	}, registry.Back)
}

// StartAll starts each publisher in order, stopping the ones already
// started if one fails.
func StartAll(pubs ...Publisher) error {
	for i, p := range pubs {
		if err := p.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				pubs[j].Stop()
			}
			return fmt.Errorf("start %s publisher: %w", p.Name(), err)
		}
		log.Printf("[%s] publisher started", p.Name())
	}
	return nil
}
