package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/tangible/internal/frames"
	"github.com/banshee-data/tangible/internal/tracker"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// maxFileSize bounds the size of a config file.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// TuningConfig represents the runtime configuration of a tangible session.
// Every field is optional; the Get* methods supply the default for fields
// the file leaves out. The same schema is accepted as JSON or YAML.
type TuningConfig struct {
	// Tracker params
	Persistence     *int     `json:"persistence,omitempty" yaml:"persistence,omitempty"`
	Gain            *float64 `json:"gain,omitempty" yaml:"gain,omitempty"`
	AlwaysDetect    *bool    `json:"always_detect,omitempty" yaml:"always_detect,omitempty"`
	FrameKind       *string  `json:"frame_kind,omitempty" yaml:"frame_kind,omitempty"`
	Smoothing       *string  `json:"smoothing,omitempty" yaml:"smoothing,omitempty"`
	DetectorTimeout *string  `json:"detector_timeout,omitempty" yaml:"detector_timeout,omitempty"` // duration string like "50ms"

	// Source params
	FPS *int `json:"fps,omitempty" yaml:"fps,omitempty"`

	// Publisher params; a port of 0 disables the publisher
	WebSocketPort *int    `json:"websocket_port,omitempty" yaml:"websocket_port,omitempty"`
	TUIOPort      *int    `json:"tuio_port,omitempty" yaml:"tuio_port,omitempty"`
	TUIOUDPAddr   *string `json:"tuio_udp_addr,omitempty" yaml:"tuio_udp_addr,omitempty"`
	GRPCAddr      *string `json:"grpc_addr,omitempty" yaml:"grpc_addr,omitempty"`
	ClientQueue   *int    `json:"client_queue,omitempty" yaml:"client_queue,omitempty"`

	// Storage and debugging
	JournalPath *string `json:"journal_path,omitempty" yaml:"journal_path,omitempty"`
	AdminAddr   *string `json:"admin_addr,omitempty" yaml:"admin_addr,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field set to its
// default value.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		Persistence:     ptrInt(3),
		Gain:            ptrFloat64(0.1),
		AlwaysDetect:    ptrBool(false),
		FrameKind:       ptrString("color"),
		Smoothing:       ptrString("exponential"),
		DetectorTimeout: ptrString(""),
		FPS:             ptrInt(30),
		WebSocketPort:   ptrInt(9002),
		TUIOPort:        ptrInt(8080),
		TUIOUDPAddr:     ptrString(""),
		GRPCAddr:        ptrString(""),
		ClientQueue:     ptrInt(64),
		JournalPath:     ptrString(""),
		AdminAddr:       ptrString(""),
	}
}

// LoadTuningConfig loads a TuningConfig from a .json, .yaml or .yml file.
// Fields omitted from the file retain their default values, so partial
// configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath)
}

// Validate checks that every set field is in range.
func (c *TuningConfig) Validate() error {
	if c.Persistence != nil && *c.Persistence < 0 {
		return fmt.Errorf("persistence must be non-negative, got %d", *c.Persistence)
	}
	if c.Gain != nil && (*c.Gain < 0 || *c.Gain > 1) {
		return fmt.Errorf("gain must be between 0 and 1, got %f", *c.Gain)
	}
	if c.FrameKind != nil && *c.FrameKind != "" {
		if _, err := frames.ParseKind(*c.FrameKind); err != nil {
			return fmt.Errorf("invalid frame_kind: %w", err)
		}
	}
	if c.Smoothing != nil {
		if _, err := tracker.ParseSmoothing(*c.Smoothing); err != nil {
			return fmt.Errorf("invalid smoothing: %w", err)
		}
	}
	if c.DetectorTimeout != nil && *c.DetectorTimeout != "" {
		d, err := time.ParseDuration(*c.DetectorTimeout)
		if err != nil {
			return fmt.Errorf("invalid detector_timeout '%s': %w", *c.DetectorTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("detector_timeout must be non-negative, got %s", d)
		}
	}
	if c.FPS != nil && *c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", *c.FPS)
	}
	for name, port := range map[string]*int{"websocket_port": c.WebSocketPort, "tuio_port": c.TUIOPort} {
		if port != nil && (*port < 0 || *port > 65535) {
			return fmt.Errorf("%s must be between 0 and 65535, got %d", name, *port)
		}
	}
	if c.ClientQueue != nil && *c.ClientQueue <= 0 {
		return fmt.Errorf("client_queue must be positive, got %d", *c.ClientQueue)
	}
	return nil
}

// GetPersistence returns the persistence value or the default.
func (c *TuningConfig) GetPersistence() int {
	if c.Persistence == nil {
		return 3
	}
	return *c.Persistence
}

// GetGain returns the gain value or the default.
func (c *TuningConfig) GetGain() float64 {
	if c.Gain == nil {
		return 0.1
	}
	return *c.Gain
}

// GetAlwaysDetect returns the always_detect value or the default.
func (c *TuningConfig) GetAlwaysDetect() bool {
	if c.AlwaysDetect == nil {
		return false
	}
	return *c.AlwaysDetect
}

// GetFrameKind returns the frame kind the tracker consumes, color unless
// set.
func (c *TuningConfig) GetFrameKind() frames.Kind {
	if c.FrameKind == nil || *c.FrameKind == "" {
		return frames.Color
	}
	k, err := frames.ParseKind(*c.FrameKind)
	if err != nil {
		return frames.Color // default on parse error
	}
	return k
}

// GetSmoothing returns the smoothing mode, exponential unless set.
func (c *TuningConfig) GetSmoothing() tracker.Smoothing {
	if c.Smoothing == nil {
		return tracker.Exponential
	}
	s, err := tracker.ParseSmoothing(*c.Smoothing)
	if err != nil {
		return tracker.Exponential
	}
	return s
}

// GetDetectorTimeout parses and returns the DetectorTimeout. Zero means no
// timeout.
func (c *TuningConfig) GetDetectorTimeout() time.Duration {
	if c.DetectorTimeout == nil || *c.DetectorTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.DetectorTimeout)
	if err != nil {
		return 0 // default on parse error
	}
	return d
}

// GetFPS returns the fps value or the default.
func (c *TuningConfig) GetFPS() int {
	if c.FPS == nil {
		return 30
	}
	return *c.FPS
}

// GetWebSocketPort returns the websocket_port value or the default.
func (c *TuningConfig) GetWebSocketPort() int {
	if c.WebSocketPort == nil {
		return 9002
	}
	return *c.WebSocketPort
}

// GetTUIOPort returns the tuio_port value or the default.
func (c *TuningConfig) GetTUIOPort() int {
	if c.TUIOPort == nil {
		return 8080
	}
	return *c.TUIOPort
}

// GetTUIOUDPAddr returns the tuio_udp_addr value or the default.
func (c *TuningConfig) GetTUIOUDPAddr() string {
	if c.TUIOUDPAddr == nil {
		return ""
	}
	return *c.TUIOUDPAddr
}

// GetGRPCAddr returns the grpc_addr value or the default.
func (c *TuningConfig) GetGRPCAddr() string {
	if c.GRPCAddr == nil {
		return ""
	}
	return *c.GRPCAddr
}

// GetClientQueue returns the client_queue value or the default.
func (c *TuningConfig) GetClientQueue() int {
	if c.ClientQueue == nil {
		return 64
	}
	return *c.ClientQueue
}

// GetJournalPath returns the journal_path value or the default.
func (c *TuningConfig) GetJournalPath() string {
	if c.JournalPath == nil {
		return ""
	}
	return *c.JournalPath
}

// GetAdminAddr returns the admin_addr value or the default.
func (c *TuningConfig) GetAdminAddr() string {
	if c.AdminAddr == nil {
		return ""
	}
	return *c.AdminAddr
}

// TrackerConfig returns the tracker configuration described by c.
func (c *TuningConfig) TrackerConfig() tracker.Config {
	return tracker.Config{
		Kind:         c.GetFrameKind(),
		AlwaysDetect: c.GetAlwaysDetect(),
		Persistence:  c.GetPersistence(),
		Gain:         c.GetGain(),
		Smoothing:    c.GetSmoothing(),
	}
}
