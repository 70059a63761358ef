package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MEMORYD_HOME", t.TempDir())

	cfg := Load()
	if cfg.BatchSize != 20 {
		t.Errorf("batch size = %d, want 20", cfg.BatchSize)
	}
	if cfg.PollInterval != 5*time.Minute {
		t.Errorf("poll interval = %v, want 5m", cfg.PollInterval)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.ClusterCoherence != 0.7 || cfg.EdgeThreshold != 0.3 {
		t.Errorf("thresholds = %v/%v, want 0.7/0.3", cfg.ClusterCoherence, cfg.EdgeThreshold)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MEMORYD_DB", "/tmp/custom.db")
	t.Setenv("MEMORYD_BATCH_SIZE", "7")
	t.Setenv("MEMORYD_POLL_INTERVAL", "30s")
	t.Setenv("MEMORYD_CLUSTER_COHERENCE", "0.9")

	cfg := Load()
	if cfg.DBPath != "/tmp/custom.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.BatchSize != 7 {
		t.Errorf("batch size = %d, want 7", cfg.BatchSize)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("poll interval = %v, want 30s", cfg.PollInterval)
	}
	if cfg.ClusterCoherence != 0.9 {
		t.Errorf("coherence = %v, want 0.9", cfg.ClusterCoherence)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MEMORYD_BATCH_SIZE", "lots")
	t.Setenv("MEMORYD_POLL_INTERVAL", "soon")

	cfg := Load()
	if cfg.BatchSize != 20 || cfg.PollInterval != 5*time.Minute {
		t.Errorf("malformed values should fall back to defaults, got %d/%v",
			cfg.BatchSize, cfg.PollInterval)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
