// Package pipeline assembles a tracking session: a frame source feeding the
// bus, the tracker feeding the registry, and the subscribers (publishers,
// journal, mirror) that react to registry changes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/tangible/internal/admin"
	"github.com/banshee-data/tangible/internal/config"
	"github.com/banshee-data/tangible/internal/detector"
	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/journal"
	"github.com/banshee-data/tangible/internal/publisher"
	"github.com/banshee-data/tangible/internal/recorder"
	"github.com/banshee-data/tangible/internal/registry"
	"github.com/banshee-data/tangible/internal/source"
	"github.com/banshee-data/tangible/internal/timeutil"
	"github.com/banshee-data/tangible/internal/tracker"
)

// Options describes a session. Source and Detector are required; every
// other component is optional. The session owns Source, and Detector too
// when it implements io.Closer: Close releases both.
type Options struct {
	Source   source.Source
	Detector tracker.Detector
	Tracker  tracker.Config

	// DetectorTimeout bounds each Find call. Cycles that time out are
	// skipped and the registry keeps its state.
	DetectorTimeout time.Duration

	// RecordPath, when set, records every cycle's detections.
	RecordPath string

	// Nil publisher configs disable the publisher.
	WebSocket *publisher.WebSocketConfig
	TUIO      *publisher.TUIOConfig
	GRPC      *publisher.GRPCConfig

	JournalPath string
	AdminAddr   string

	// FPSInterval enables the frame rate meter when positive.
	FPSInterval time.Duration
	Clock       timeutil.Clock
}

// OptionsFromConfig fills the tracker, publisher and storage options from
// cfg. The caller still provides Source and Detector.
func OptionsFromConfig(cfg *config.TuningConfig) Options {
	opts := Options{
		Tracker:         cfg.TrackerConfig(),
		DetectorTimeout: cfg.GetDetectorTimeout(),
		JournalPath:     cfg.GetJournalPath(),
		AdminAddr:       cfg.GetAdminAddr(),
		FPSInterval:     DefaultFPSInterval,
	}
	if port := cfg.GetWebSocketPort(); port > 0 {
		ws := publisher.DefaultWebSocketConfig()
		ws.ListenAddr = listenAddr(port)
		ws.ClientQueue = cfg.GetClientQueue()
		opts.WebSocket = &ws
	}
	if port := cfg.GetTUIOPort(); port > 0 || cfg.GetTUIOUDPAddr() != "" {
		tc := publisher.DefaultTUIOConfig()
		tc.ListenAddr = ""
		if port > 0 {
			tc.ListenAddr = listenAddr(port)
		}
		tc.UDPAddr = cfg.GetTUIOUDPAddr()
		tc.ClientQueue = cfg.GetClientQueue()
		opts.TUIO = &tc
	}
	if addr := cfg.GetGRPCAddr(); addr != "" {
		gc := publisher.DefaultGRPCConfig()
		gc.ListenAddr = addr
		gc.ClientQueue = cfg.GetClientQueue()
		opts.GRPC = &gc
	}
	return opts
}

func listenAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

// Session owns every component of a running tracker. Build it with
// NewSession, drive it with Run and release it with Close.
type Session struct {
	opts Options

	bus      *frames.Bus
	registry *registry.Registry
	mirror   *registry.Mirror
	tracker  *tracker.Tracker
	meter    *FPSMeter
	recorder *recorder.Writer

	publishers []publisher.Publisher
	pubTokens  []registry.Token
	journal    *journal.Journal
	jrnToken   registry.Token
	admin      *admin.Server

	detachMirror func()
	closeOnce    sync.Once
	closeErr     error
}

// NewSession builds and starts every configured component. On error,
// whatever was already started is torn down again.
func NewSession(opts Options) (_ *Session, err error) {
	if opts.Source == nil {
		return nil, errors.New("pipeline: nil source")
	}
	if opts.Detector == nil {
		return nil, errors.New("pipeline: nil detector")
	}

	s := &Session{
		opts:     opts,
		bus:      frames.NewBus(),
		registry: registry.New(),
		mirror:   registry.NewMirror(),
	}
	s.detachMirror = s.mirror.Attach(s.registry)
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	det := detector.WithTimeout(opts.Detector, opts.DetectorTimeout)
	if opts.RecordPath != "" {
		w, err := recorder.Create(opts.RecordPath)
		if err != nil {
			return nil, err
		}
		s.recorder = w
		det = w.Wrap(det)
		diagf("recording detections to %s", opts.RecordPath)
	}

	tr, err := tracker.New(det, s.registry, opts.Tracker)
	if err != nil {
		return nil, err
	}
	s.tracker = tr
	s.bus.Subscribe(opts.Tracker.Kind, s.track, frames.Back)

	if opts.FPSInterval > 0 {
		s.meter = NewFPSMeter(opts.Tracker.Kind, opts.FPSInterval, opts.Clock)
		s.meter.Attach(s.bus)
	}

	if opts.WebSocket != nil {
		s.publishers = append(s.publishers, publisher.NewWebSocket(*opts.WebSocket, s.registry))
	}
	if opts.TUIO != nil {
		s.publishers = append(s.publishers, publisher.NewTUIO(*opts.TUIO, s.registry))
	}
	if opts.GRPC != nil {
		s.publishers = append(s.publishers, publisher.NewGRPC(*opts.GRPC, s.registry))
	}
	if err := publisher.StartAll(s.publishers...); err != nil {
		// StartAll has already stopped the ones it started
		s.publishers = nil
		return nil, err
	}
	for _, p := range s.publishers {
		s.pubTokens = append(s.pubTokens, publisher.Attach(s.registry, p))
	}

	if opts.JournalPath != "" {
		j, err := journal.Open(opts.JournalPath, s.registry, 0)
		if err != nil {
			return nil, err
		}
		s.journal = j
		s.jrnToken = j.Attach(s.registry)
	}

	if opts.AdminAddr != "" {
		mux := http.NewServeMux()
		routes := &admin.Routes{
			Mirror:     s.mirror,
			Publishers: s.publishers,
			Tracker:    s.tracker,
			Journal:    s.journal,
		}
		if err := routes.Attach(mux); err != nil {
			return nil, err
		}
		srv, err := admin.Listen(opts.AdminAddr, mux)
		if err != nil {
			return nil, err
		}
		s.admin = srv
	}

	diagf("session ready: %d publishers, tracking %s frames (persistence %d, gain %.2f)",
		len(s.publishers), opts.Tracker.Kind, opts.Tracker.Persistence, opts.Tracker.Gain)
	return s, nil
}

// track runs the tracker for one frame. A detector timeout skips the cycle;
// any other error stops the pump.
func (s *Session) track(ctx context.Context, kind frames.Kind, f *frames.Frame) error {
	err := s.tracker.Fire(ctx, kind, f)
	if errors.Is(err, detector.ErrTimeout) {
		opsf("frame %d skipped: %v", f.Index, err)
		return nil
	}
	return err
}

// Run pumps frames until ctx is cancelled, the source is exhausted, or a
// cycle fails. Only the last case returns an error.
func (s *Session) Run(ctx context.Context) error {
	diagf("session running")
	err := source.Pump(ctx, s.opts.Source, s.bus)
	st := s.tracker.Stats()
	if err != nil {
		opsf("session stopped after %d cycles: %v", st.Cycles, err)
		return err
	}
	diagf("session finished after %d cycles (%d detections, %d alive)", st.Cycles, st.Detections, st.Alive)
	return nil
}

// Close tears the session down in reverse order. Objects still alive are
// removed first so that every subscriber sees their REMOVE. Close is
// idempotent and must not be called concurrently with Run.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		if s.admin != nil {
			s.admin.Stop()
		}

		s.registry.RemoveAll()

		for i := len(s.publishers) - 1; i >= 0; i-- {
			if i < len(s.pubTokens) {
				s.registry.Unsubscribe(s.pubTokens[i])
			}
			s.publishers[i].Stop()
		}

		if s.journal != nil {
			s.registry.Unsubscribe(s.jrnToken)
			if err := s.journal.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close journal: %w", err))
			}
		}

		if s.detachMirror != nil {
			s.detachMirror()
		}

		if s.recorder != nil {
			if err := s.recorder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close recording: %w", err))
			} else {
				diagf("recorded %d cycles to %s", s.recorder.Count(), s.opts.RecordPath)
			}
		}

		if c, ok := s.opts.Detector.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close detector: %w", err))
			}
		}

		if err := s.opts.Source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}

		s.closeErr = errors.Join(errs...)
		diagf("session closed")
	})
	return s.closeErr
}

// Registry returns the session registry. It must only be mutated from the
// goroutine running Run.
func (s *Session) Registry() *registry.Registry { return s.registry }

// Mirror returns the concurrency-safe copy of the registry.
func (s *Session) Mirror() *registry.Mirror { return s.mirror }

// Bus returns the frame bus.
func (s *Session) Bus() *frames.Bus { return s.bus }

// Tracker returns the session tracker.
func (s *Session) Tracker() *tracker.Tracker { return s.tracker }

// Publishers returns the started publishers.
func (s *Session) Publishers() []publisher.Publisher { return s.publishers }

// Journal returns the event journal, or nil when disabled.
func (s *Session) Journal() *journal.Journal { return s.journal }

// Meter returns the frame rate meter, or nil when disabled.
func (s *Session) Meter() *FPSMeter { return s.meter }

// AdminAddr returns the bound admin address, or "" when disabled.
func (s *Session) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}
