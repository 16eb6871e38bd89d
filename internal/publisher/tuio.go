package publisher

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/tangible/internal/monitoring"
	"github.com/banshee-data/tangible/internal/registry"
	"github.com/banshee-data/tangible/internal/tuio"
)

// TUIOConfig configures the TUIO publisher.
type TUIOConfig struct {
	// ListenAddr is the WebSocket address for TUIO-over-WebSocket clients
	// (e.g. ":8080"). Empty disables the WebSocket transport.
	ListenAddr string
	// UDPAddr is an optional "host:port" TUIO client to send UDP to.
	UDPAddr string
	// Source is the TUIO source name; defaults to "tangible@<hostname>".
	Source string

	Queue       int
	ClientQueue int
}

// DefaultTUIOConfig returns the default configuration.
func DefaultTUIOConfig() TUIOConfig {
	return TUIOConfig{
		ListenAddr:  ":8080",
		Queue:       DefaultQueue,
		ClientQueue: DefaultClientQueue,
	}
}

// hubSender feeds encoded TUIO bundles into the hub.
type hubSender struct {
	hub *Hub[[]byte]
}

func (s hubSender) SendOSC(packet []byte) error {
	s.hub.Broadcast(packet)
	return nil
}

// TUIO publishes registry events as TUIO 1.1 object frames, one frame per
// event, over WebSocket binary messages and optionally UDP.
type TUIO struct {
	cfg    TUIOConfig
	poses  Poses
	server *tuio.Server
	hub    *Hub[[]byte]
	ep     *wsEndpoint

	udp       *tuio.UDPSender
	udpCancel context.CancelFunc

	rejected atomic.Uint64
	limiter  *monitoring.Limiter
}

// NewTUIO returns a stopped TUIO publisher.
func NewTUIO(cfg TUIOConfig, poses Poses) *TUIO {
	if cfg.Source == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		cfg.Source = "tangible@" + host
	}
	hub := NewHub[[]byte]("TUIO", cfg.Queue, cfg.ClientQueue)
	server := tuio.NewServer(cfg.Source)
	server.AddSender(hubSender{hub})
	return &TUIO{
		cfg:     cfg,
		poses:   poses,
		server:  server,
		hub:     hub,
		ep:      newWSEndpoint("TUIO", websocket.BinaryMessage, hub),
		limiter: monitoring.NewLimiter(100),
	}
}

// Name implements Publisher.
func (p *TUIO) Name() string { return "TUIO" }

// Start starts the broadcast goroutine, the WebSocket listener and, when
// configured, the UDP sender.
func (p *TUIO) Start() error {
	if err := p.hub.Start(); err != nil {
		return err
	}
	if p.cfg.ListenAddr != "" {
		if err := p.ep.start(p.cfg.ListenAddr); err != nil {
			p.hub.Stop()
			return err
		}
	}
	if p.cfg.UDPAddr != "" {
		udp, err := tuio.NewUDPSender(p.cfg.UDPAddr, 10*time.Second)
		if err != nil {
			p.ep.stop()
			return err
		}
		ctx, cancel := context.WithCancel(context.Background())
		udp.Start(ctx)
		p.udp = udp
		p.udpCancel = cancel
		p.server.AddSender(udp)
	}
	return nil
}

// Stop removes any objects still on the surface, then tears down the
// transports.
func (p *TUIO) Stop() {
	if objs := p.server.Objects(); len(objs) > 0 {
		if err := p.server.InitFrame(time.Now()); err == nil {
			for _, o := range objs {
				p.server.RemoveObject(o.SymbolID)
			}
			p.server.CommitFrame()
		}
	}
	p.ep.stop()
	if p.udp != nil {
		p.udpCancel()
		p.udp.Close()
	}
	log.Printf("[TUIO] stopped")
}

// Addr returns the bound WebSocket listener address.
func (p *TUIO) Addr() string {
	return p.ep.addr()
}

// Fire wraps ev in its own TUIO frame. Events that do not follow
// ADD, UPDATE*, REMOVE for an id are rejected and nothing is sent.
func (p *TUIO) Fire(ev registry.Event, id int) error {
	if err := p.server.InitFrame(time.Now()); err != nil {
		return err
	}

	var err error
	switch ev {
	case registry.Add, registry.Update:
		var pose registry.Pose
		pose, err = p.poses.Get(id)
		if err != nil {
			break
		}
		x, y, a := float32(pose.X), float32(pose.Y), tuioAngle(pose.Angle)
		if ev == registry.Add {
			_, err = p.server.AddObject(int32(id), x, y, a)
		} else {
			_, err = p.server.UpdateObject(int32(id), x, y, a)
		}
	case registry.Remove:
		err = p.server.RemoveObject(int32(id))
	default:
		err = fmt.Errorf("unknown event %v", ev)
	}

	if err != nil {
		p.server.AbortFrame()
		p.rejected.Add(1)
		if ok, n := p.limiter.Allow(); ok {
			log.Printf("[TUIO] rejected %s for id %d (%d rejected): %v", ev, id, n, err)
		}
		return fmt.Errorf("tuio %s %d: %w", ev, id, err)
	}
	return p.server.CommitFrame()
}

// tuioAngle folds a registry angle in (-pi, pi] into the [0, 2pi) range
// TUIO clients expect.
func tuioAngle(a float64) float32 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	if f := float32(a); a < 2*math.Pi && f < float32(2*math.Pi) {
		return f
	}
	return 0
}

// Stats implements Publisher.
func (p *TUIO) Stats() Stats {
	s := p.hub.Stats()
	s.Addr = p.Addr()
	s.Rejected = p.rejected.Load()
	return s
}
