package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skyferry/fanetsim/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := config.Validate(config.DefaultConfig()); err != nil {
		t.Fatalf("DefaultConfig() should validate, got %v", err)
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cases := map[string]func(*config.Config){
		"num_nodes":  func(c *config.Config) { c.Sim.NumNodes = 0 },
		"world_size": func(c *config.Config) { c.Sim.WorldWidth = 0 },
		"comm_range": func(c *config.Config) { c.Sim.CommRange = -1 },
		"period":     func(c *config.Config) { c.Sim.DVPeriod = 0 },
		"speed":      func(c *config.Config) { c.Sim.SpeedMin, c.Sim.SpeedMax = 10, 5 },
		"pause":      func(c *config.Config) { c.Sim.PauseMin, c.Sim.PauseMax = 5 * time.Second, time.Second },
		"backoff":    func(c *config.Config) { c.Sim.MACMinBackoff, c.Sim.MACMaxBackoff = 50 * time.Millisecond, 5 * time.Millisecond },
		"sim_time":   func(c *config.Config) { c.Sim.SimTime = 0 },
		"server":     func(c *config.Config) { c.Server.Addr = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			mutate(cfg)
			if err := config.Validate(cfg); err == nil {
				t.Errorf("expected validation error for %s", name)
			}
		})
	}
}

func TestValidateRejectsOutOfRangeChurnNode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sim.NumNodes = 3
	cfg.Churn = []config.ChurnEvent{{NodeID: 5}}
	if err := config.Validate(cfg); err == nil {
		t.Errorf("expected error for churn node_id out of range")
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	body := "sim:\n  num_nodes: 7\n  seed: 42\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write scenario file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sim.NumNodes != 7 {
		t.Errorf("NumNodes = %d, want 7", cfg.Sim.NumNodes)
	}
	if cfg.Sim.Seed != 42 {
		t.Errorf("Seed = %d, want 42", cfg.Sim.Seed)
	}
	if cfg.Sim.CommRange != config.DefaultConfig().Sim.CommRange {
		t.Errorf("CommRange should inherit default, got %v", cfg.Sim.CommRange)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(path, []byte("sim:\n  num_nodes: 3\n"), 0o644); err != nil {
		t.Fatalf("write scenario file: %v", err)
	}
	t.Setenv("FANETSIM_SIM_SEED", "99")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sim.Seed != 99 {
		t.Errorf("Seed = %d, want 99 from env override", cfg.Sim.Seed)
	}
}

func TestLoadPresets(t *testing.T) {
	for name := range config.Presets {
		t.Run(name, func(t *testing.T) {
			cfg, err := config.LoadPreset(name)
			if err != nil {
				t.Fatalf("LoadPreset(%q): %v", name, err)
			}
			if err := config.Validate(cfg); err != nil {
				t.Errorf("preset %q fails validation: %v", name, err)
			}
		})
	}
}

func TestLoadPresetUnknownName(t *testing.T) {
	if _, err := config.LoadPreset("does-not-exist"); err == nil {
		t.Errorf("expected error for unknown preset name")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "DEBUG",
		"WARN":  "WARN",
		"bogus": "INFO",
	}
	for in, want := range cases {
		if got := config.ParseLogLevel(in).String(); got != want {
			t.Errorf("ParseLogLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
