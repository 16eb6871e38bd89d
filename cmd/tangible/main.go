// Command tangible tracks fiducial markers on a tabletop and publishes
// their poses over WebSocket, TUIO and gRPC.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/banshee-data/tangible/internal/config"
	"github.com/banshee-data/tangible/internal/detector"
	"github.com/banshee-data/tangible/internal/pipeline"
	"github.com/banshee-data/tangible/internal/recorder"
	"github.com/banshee-data/tangible/internal/source"
	"github.com/banshee-data/tangible/internal/tracker"
	"github.com/banshee-data/tangible/internal/version"
)

var (
	configFile    = pflag.String("config", "", "Path to a tuning config (.json, .yaml or .yml); defaults are used when empty")
	sourceSpec    = pflag.String("source", "synthetic", "Frame source: synthetic, camera:<id> or replay:<path>")
	frameCount    = pflag.Uint64("frames", 0, "Stop the synthetic source after this many frames (0 runs until interrupted)")
	recordPath    = pflag.String("record", "", "Record every cycle's detections to this file for later replay")
	realtime      = pflag.Bool("realtime", false, "Replay recordings at their original frame rate")
	websocketPort = pflag.Int("websocket-port", 0, "WebSocket listen port (0 disables; overrides config)")
	tuioPort      = pflag.Int("tuio-port", 0, "TUIO-over-WebSocket listen port (0 disables; overrides config)")
	tuioUDP       = pflag.String("tuio-udp", "", "Send TUIO over UDP to host:port (overrides config)")
	grpcAddr      = pflag.String("grpc-addr", "", "gRPC listen address (overrides config)")
	journalPath   = pflag.String("journal", "", "SQLite event journal path (overrides config)")
	adminAddr     = pflag.String("admin", "", "Debug HTTP listen address (overrides config)")
	debug         = pflag.Bool("debug", false, "Write per-frame trace logs to stderr")
	quiet         = pflag.Bool("quiet", false, "Only log actionable warnings and errors")
	showVersion   = pflag.Bool("version", false, "Print version information and exit")
)

func main() {
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	diag := io.Writer(os.Stderr)
	if *quiet {
		diag = nil
	}
	var trace io.Writer
	if *debug {
		trace = os.Stderr
	}
	pipeline.SetLogWriters(os.Stderr, diag, trace)

	cfg, err := loadConfig(pflag.CommandLine, *configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	opts := pipeline.OptionsFromConfig(cfg)
	opts.Source, opts.Detector, err = openInput(*sourceSpec, cfg, *frameCount, *realtime)
	if err != nil {
		log.Fatalf("Failed to open source: %v", err)
	}
	opts.RecordPath = *recordPath

	session, err := pipeline.NewSession(opts)
	if err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	log.Printf("%s: tracking from %s", version.String(), *sourceSpec)
	if addr := session.AdminAddr(); addr != "" {
		log.Printf("Debug routes on http://%s/debug/", addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := session.Run(ctx)
	if err := session.Close(); err != nil {
		log.Printf("Failed to close session cleanly: %v", err)
	}
	if runErr != nil {
		log.Fatalf("Tracking stopped: %v", runErr)
	}
	log.Print("Graceful shutdown complete")
}

// loadConfig reads the tuning file, or the defaults when path is empty, and
// applies any command line overrides the user set explicitly.
func loadConfig(flags *pflag.FlagSet, path string) (*config.TuningConfig, error) {
	cfg := config.DefaultTuningConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(path); err != nil {
			return nil, err
		}
	}

	if flags.Changed("websocket-port") {
		cfg.WebSocketPort = websocketPort
	}
	if flags.Changed("tuio-port") {
		cfg.TUIOPort = tuioPort
	}
	if flags.Changed("tuio-udp") {
		cfg.TUIOUDPAddr = tuioUDP
	}
	if flags.Changed("grpc-addr") {
		cfg.GRPCAddr = grpcAddr
	}
	if flags.Changed("journal") {
		cfg.JournalPath = journalPath
	}
	if flags.Changed("admin") {
		cfg.AdminAddr = adminAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid overrides: %w", err)
	}
	return cfg, nil
}

// openInput builds the frame source and matching detector named by --source.
func openInput(spec string, cfg *config.TuningConfig, frames uint64, realtime bool) (source.Source, tracker.Detector, error) {
	kind, arg, _ := strings.Cut(spec, ":")
	switch kind {
	case "synthetic":
		src, err := source.NewSynthetic(source.SyntheticConfig{
			Kind:   cfg.GetFrameKind(),
			Width:  320,
			Height: 240,
			FPS:    float64(cfg.GetFPS()),
			Frames: frames,
		})
		if err != nil {
			return nil, nil, err
		}
		return src, detector.NewSynthetic(detector.DefaultSyntheticConfig()), nil

	case "camera":
		if !source.CameraSupported {
			return nil, nil, fmt.Errorf("camera capture needs a binary built with -tags gocv")
		}
		id := 0
		if arg != "" {
			var err error
			if id, err = strconv.Atoi(arg); err != nil {
				return nil, nil, fmt.Errorf("invalid camera id %q: %w", arg, err)
			}
		}
		cam, err := source.OpenCamera(id)
		if err != nil {
			return nil, nil, err
		}
		return cam, detector.NewAruco(), nil

	case "replay":
		if arg == "" {
			return nil, nil, fmt.Errorf("replay needs a path, e.g. replay:session.rec")
		}
		p, err := recorder.Load(arg, realtime)
		if err != nil {
			return nil, nil, err
		}
		return p.Source(), p.Detector(), nil
	}
	return nil, nil, fmt.Errorf("unknown source %q (want synthetic, camera:<id> or replay:<path>)", spec)
}
