package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Graph.MaxNodes != 500 || cfg.Graph.MaxEdges != 1500 {
		t.Errorf("unexpected graph capacity %d/%d", cfg.Graph.MaxNodes, cfg.Graph.MaxEdges)
	}
	if cfg.Graph.NodeHalfLife != 24*time.Hour || cfg.Graph.EdgeHalfLife != 12*time.Hour {
		t.Error("unexpected half-life defaults")
	}
	if len(cfg.Miner.Windows) != 4 || cfg.Miner.Windows[0] != 30*time.Second {
		t.Errorf("unexpected miner windows %v", cfg.Miner.Windows)
	}
	if cfg.Miner.Throttle != 30*time.Minute {
		t.Errorf("unexpected miner throttle %v", cfg.Miner.Throttle)
	}
	if cfg.Neurons.MoodHistory != 10 || cfg.Neurons.SmoothingWindow != 3 {
		t.Error("unexpected neuron smoothing defaults")
	}
	if cfg.Pipeline.EventCacheSize != 10000 {
		t.Errorf("unexpected event cache size %d", cfg.Pipeline.EventCacheSize)
	}
}

func TestConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "habitus.yaml")
	content := `
graph:
  maxNodes: 50
miner:
  throttle: 5m
storage:
  engine: badger
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := ConfigFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Graph.MaxNodes != 50 {
		t.Errorf("yaml override lost: maxNodes=%d", cfg.Graph.MaxNodes)
	}
	if cfg.Miner.Throttle != 5*time.Minute {
		t.Errorf("yaml duration not parsed: %v", cfg.Miner.Throttle)
	}
	// Untouched fields keep defaults.
	if cfg.Graph.MaxEdges != 1500 {
		t.Errorf("default lost on partial file: maxEdges=%d", cfg.Graph.MaxEdges)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("merged config invalid: %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("HABITUS_GRAPH_MAX_NODES", "42")
	t.Setenv("HABITUS_MINER_THROTTLE", "90s")
	t.Setenv("HABITUS_STORAGE_ENGINE", "badger")

	cfg := ConfigFromEnv(nil)
	if cfg.Graph.MaxNodes != 42 {
		t.Errorf("env int override lost: %d", cfg.Graph.MaxNodes)
	}
	if cfg.Miner.Throttle != 90*time.Second {
		t.Errorf("env duration override lost: %v", cfg.Miner.Throttle)
	}
	if cfg.Storage.Engine != "badger" {
		t.Errorf("env string override lost: %s", cfg.Storage.Engine)
	}
}

func TestApplyCLIOverrides(t *testing.T) {
	cfg := DefaultConfig()
	nodes := 99
	throttle := 15 * time.Minute
	cfg.ApplyCLIOverrides(&CLIOverrides{
		GraphMaxNodes: &nodes,
		MinerThrottle: &throttle,
	})
	if cfg.Graph.MaxNodes != 99 || cfg.Miner.Throttle != 15*time.Minute {
		t.Error("CLI overrides not applied")
	}
	// Unset flags leave earlier layers intact.
	if cfg.Graph.MaxEdges != 1500 {
		t.Error("unset CLI flag clobbered value")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max nodes", func(c *Config) { c.Graph.MaxNodes = 0 }},
		{"empty windows", func(c *Config) { c.Miner.Windows = nil }},
		{"unsorted windows", func(c *Config) {
			c.Miner.Windows = []time.Duration{time.Minute, 30 * time.Second}
		}},
		{"bad confidence", func(c *Config) { c.Miner.MinConfidence = 1.5 }},
		{"smoothing exceeds history", func(c *Config) {
			c.Neurons.MoodHistory = 2
			c.Neurons.SmoothingWindow = 3
		}},
		{"unknown engine", func(c *Config) { c.Storage.Engine = "postgres" }},
		{"too many workers", func(c *Config) { c.Pipeline.Workers = 8 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
