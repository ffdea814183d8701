// Package config loads and validates the simulation configuration
// using koanf/v2.
//
// Supports YAML files, environment variables, and named scenario
// presets.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete simulation configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Sim     SimConfig     `koanf:"sim"`

	// Churn is the optional scripted waypoint-override list: at TimeS,
	// NodeID jumps to a fresh waypoint (X, Y) instead of whatever it
	// would have picked on its own. Applied by the mobility task when
	// due; still clamped to world bounds like any waypoint.
	Churn []ChurnEvent `koanf:"churn"`
}

// ServerConfig holds the observation-stream websocket endpoint.
type ServerConfig struct {
	// Addr is the HTTP listen address (e.g., ":8090").
	Addr string `koanf:"addr"`
	// Path is the URL path for the websocket upgrade (e.g., "/stream").
	Path string `koanf:"path"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is reported in the startup log only (e.g., ":9100"); nothing
	// listens on it. The metrics endpoint is served on Server.Addr.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// SimConfig holds the core simulation parameters.
type SimConfig struct {
	NumNodes int `koanf:"num_nodes"`

	WorldWidth  float64 `koanf:"world_width"`
	WorldHeight float64 `koanf:"world_height"`

	CommRange float64 `koanf:"comm_range"`

	HelloPeriod     time.Duration `koanf:"hello_period_s"`
	DVPeriod        time.Duration `koanf:"dv_period_s"`
	AppSendPeriod   time.Duration `koanf:"app_send_period_s"`
	NeighborTimeout time.Duration `koanf:"neighbor_timeout_s"`
	MobilityStep    time.Duration `koanf:"mobility_step_s"`

	SpeedMin float64 `koanf:"speed_min_mps"`
	SpeedMax float64 `koanf:"speed_max_mps"`

	PauseMin time.Duration `koanf:"waypoint_pause_min_s"`
	PauseMax time.Duration `koanf:"waypoint_pause_max_s"`

	MACMinBackoff time.Duration `koanf:"mac_min_backoff_s"`
	MACMaxBackoff time.Duration `koanf:"mac_max_backoff_s"`
	MACTxDuration time.Duration `koanf:"mac_tx_duration_s"`
	MACMaxRetries int           `koanf:"mac_max_retries"`

	SimTime time.Duration `koanf:"sim_time_s"`
	Seed    int64         `koanf:"seed"`

	LogDVChanges bool `koanf:"log_dv_changes"`

	// SnapshotPeriod drives the topology-snapshot cadence; zero means
	// "default to DVPeriod," resolved in Load and again by the
	// orchestrator's snapshot task.
	SnapshotPeriod time.Duration `koanf:"snapshot_period_s"`
}

// ChurnEvent is one scripted waypoint override.
type ChurnEvent struct {
	TimeS  float64 `koanf:"time_s"`
	NodeID int     `koanf:"node_id"`
	X      float64 `koanf:"x"`
	Y      float64 `koanf:"y"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8090",
			Path: "/stream",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Sim: SimConfig{
			NumNodes:        10,
			WorldWidth:      1000,
			WorldHeight:     1000,
			CommRange:       250,
			HelloPeriod:     time.Second,
			DVPeriod:        2 * time.Second,
			AppSendPeriod:   5 * time.Second,
			NeighborTimeout: 6 * time.Second,
			MobilityStep:    time.Second,
			SpeedMin:        2,
			SpeedMax:        15,
			PauseMin:        time.Second,
			PauseMax:        5 * time.Second,
			MACMinBackoff:   5 * time.Millisecond,
			MACMaxBackoff:   50 * time.Millisecond,
			MACTxDuration:   2 * time.Millisecond,
			MACMaxRetries:   8,
			SimTime:         5 * time.Minute,
			Seed:            1,
		},
	}
}

// -------------------------------------------------------------------------
// Scenario presets
// -------------------------------------------------------------------------

// Presets are named reference scenarios, loadable by name instead of a
// YAML path.
var Presets = map[string]func() *Config{
	"two-node-static":  twoNodeStaticPreset,
	"three-node-line":  threeNodeLinePreset,
	"partition-merge":  partitionMergePreset,
}

// LoadPreset returns a fresh preset config by name, or an error if the
// name is unrecognized.
func LoadPreset(name string) (*Config, error) {
	fn, ok := Presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown scenario preset %q", name)
	}
	cfg := fn()
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate preset %q: %w", name, err)
	}
	return cfg, nil
}

// twoNodeStaticPreset: two stationary nodes within range, converging and
// exchanging a handshake.
func twoNodeStaticPreset() *Config {
	cfg := DefaultConfig()
	cfg.Sim.NumNodes = 2
	cfg.Sim.WorldWidth, cfg.Sim.WorldHeight = 200, 200
	cfg.Sim.CommRange = 300
	cfg.Sim.SpeedMin, cfg.Sim.SpeedMax = 0, 0
	cfg.Sim.SimTime = 60 * time.Second
	return cfg
}

// threeNodeLinePreset: three stationary nodes in a 600x50 strip. Their
// positions come from the seeded RNG; the preset does not fix which
// pairs are in range.
func threeNodeLinePreset() *Config {
	cfg := DefaultConfig()
	cfg.Sim.NumNodes = 3
	cfg.Sim.WorldWidth, cfg.Sim.WorldHeight = 600, 50
	cfg.Sim.CommRange = 220
	cfg.Sim.SpeedMin, cfg.Sim.SpeedMax = 0, 0
	cfg.Sim.SimTime = 120 * time.Second
	return cfg
}

// partitionMergePreset: a scripted churn event reunites two otherwise
// separated nodes partway through the run.
func partitionMergePreset() *Config {
	cfg := DefaultConfig()
	cfg.Sim.NumNodes = 4
	cfg.Sim.WorldWidth, cfg.Sim.WorldHeight = 2000, 2000
	cfg.Sim.CommRange = 250
	cfg.Sim.SpeedMin, cfg.Sim.SpeedMax = 0, 0
	cfg.Sim.SimTime = 180 * time.Second
	cfg.Churn = []ChurnEvent{
		{TimeS: 90, NodeID: 3, X: 100, Y: 100},
	}
	return cfg
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for simulation configuration.
// Variables are named FANETSIM_<section>_<key>, e.g., FANETSIM_SIM_SEED.
const envPrefix = "FANETSIM_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (FANETSIM_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	for key := range k.Raw() {
		switch key {
		case "server", "metrics", "log", "sim", "churn":
		default:
			return nil, fmt.Errorf("load config from %s: unknown key %q", path, key)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Sim.SnapshotPeriod <= 0 {
		cfg.Sim.SnapshotPeriod = cfg.Sim.DVPeriod
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms FANETSIM_SIM_SEED -> sim.seed.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"server.addr":             defaults.Server.Addr,
		"server.path":             defaults.Server.Path,
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
		"sim.num_nodes":           defaults.Sim.NumNodes,
		"sim.world_width":         defaults.Sim.WorldWidth,
		"sim.world_height":        defaults.Sim.WorldHeight,
		"sim.comm_range":          defaults.Sim.CommRange,
		"sim.hello_period_s":      defaults.Sim.HelloPeriod.String(),
		"sim.dv_period_s":         defaults.Sim.DVPeriod.String(),
		"sim.app_send_period_s":   defaults.Sim.AppSendPeriod.String(),
		"sim.neighbor_timeout_s":  defaults.Sim.NeighborTimeout.String(),
		"sim.mobility_step_s":     defaults.Sim.MobilityStep.String(),
		"sim.speed_min_mps":       defaults.Sim.SpeedMin,
		"sim.speed_max_mps":       defaults.Sim.SpeedMax,
		"sim.waypoint_pause_min_s": defaults.Sim.PauseMin.String(),
		"sim.waypoint_pause_max_s": defaults.Sim.PauseMax.String(),
		"sim.mac_min_backoff_s":   defaults.Sim.MACMinBackoff.String(),
		"sim.mac_max_backoff_s":   defaults.Sim.MACMaxBackoff.String(),
		"sim.mac_tx_duration_s":   defaults.Sim.MACTxDuration.String(),
		"sim.mac_max_retries":     defaults.Sim.MACMaxRetries,
		"sim.sim_time_s":          defaults.Sim.SimTime.String(),
		"sim.seed":                defaults.Sim.Seed,
		"sim.log_dv_changes":      defaults.Sim.LogDVChanges,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrInvalidNumNodes     = errors.New("sim.num_nodes must be >= 1")
	ErrInvalidWorldSize    = errors.New("sim.world_width and sim.world_height must be > 0")
	ErrInvalidCommRange    = errors.New("sim.comm_range must be > 0")
	ErrInvalidPeriod       = errors.New("task periods must be > 0")
	ErrInvalidSpeedBounds  = errors.New("sim.speed_min_mps must be <= sim.speed_max_mps and both >= 0")
	ErrInvalidPauseBounds  = errors.New("sim.waypoint_pause_min_s must be <= sim.waypoint_pause_max_s and both >= 0")
	ErrInvalidBackoffBounds = errors.New("sim.mac_min_backoff_s must be <= sim.mac_max_backoff_s and both >= 0")
	ErrInvalidSimTime      = errors.New("sim.sim_time_s must be > 0")
	ErrInvalidChurnNode    = errors.New("churn entry node_id out of range")
	ErrEmptyServerAddr     = errors.New("server.addr must not be empty")
)

// Validate checks the configuration for logical errors, returning a
// descriptive error for the first one found.
func Validate(cfg *Config) error {
	s := cfg.Sim

	if s.NumNodes < 1 {
		return ErrInvalidNumNodes
	}
	if s.WorldWidth <= 0 || s.WorldHeight <= 0 {
		return ErrInvalidWorldSize
	}
	if s.CommRange <= 0 {
		return ErrInvalidCommRange
	}
	if s.HelloPeriod <= 0 || s.DVPeriod <= 0 || s.AppSendPeriod <= 0 ||
		s.NeighborTimeout <= 0 || s.MobilityStep <= 0 {
		return ErrInvalidPeriod
	}
	if s.SpeedMin < 0 || s.SpeedMax < 0 || s.SpeedMin > s.SpeedMax {
		return ErrInvalidSpeedBounds
	}
	if s.PauseMin < 0 || s.PauseMax < 0 || s.PauseMin > s.PauseMax {
		return ErrInvalidPauseBounds
	}
	if s.MACMinBackoff < 0 || s.MACMaxBackoff < 0 || s.MACMinBackoff > s.MACMaxBackoff {
		return ErrInvalidBackoffBounds
	}
	if s.SimTime <= 0 {
		return ErrInvalidSimTime
	}
	if cfg.Server.Addr == "" {
		return ErrEmptyServerAddr
	}
	for i, c := range cfg.Churn {
		if c.NodeID < 0 || c.NodeID >= s.NumNodes {
			return fmt.Errorf("churn[%d]: %w", i, ErrInvalidChurnNode)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
