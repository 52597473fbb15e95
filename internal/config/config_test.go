package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "mode: universal\nlimits:\n  max_bandwidth_mbps: 100\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Mode != ModeUniversal {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.Limits.MaxBandwidthMBps != 100 {
		t.Errorf("bandwidth = %v, want 100", cfg.Limits.MaxBandwidthMBps)
	}
	// Unset fields keep their defaults.
	if cfg.Limits.BurstSizeMB != 10 {
		t.Errorf("burst = %v, want default 10", cfg.Limits.BurstSizeMB)
	}
	if cfg.Scoring.AlertThreshold != 50 || cfg.Scoring.EscalationThreshold != 75 {
		t.Errorf("thresholds = %d/%d", cfg.Scoring.AlertThreshold, cfg.Scoring.EscalationThreshold)
	}
	if len(cfg.Intel.Feeds) != 3 {
		t.Errorf("feeds = %v", cfg.Intel.Feeds)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bandwidth too low", func(c *Config) { c.Limits.MaxBandwidthMBps = 0.5 }, "max_bandwidth_mbps"},
		{"bandwidth too high", func(c *Config) { c.Limits.MaxBandwidthMBps = 2000 }, "max_bandwidth_mbps"},
		{"burst too low", func(c *Config) { c.Limits.BurstSizeMB = 0 }, "burst_size_mb"},
		{"burst too high", func(c *Config) { c.Limits.BurstSizeMB = 500 }, "burst_size_mb"},
		{"bad mode", func(c *Config) { c.Mode = "fortnite" }, "invalid mode"},
		{"bad threshold", func(c *Config) { c.Scoring.WatchThreshold = 150 }, "watch_threshold"},
		{"bad duration", func(c *Config) { c.Intel.FeedRefresh = "six hours" }, "feed_refresh"},
		{"bad cache size", func(c *Config) { c.Intel.CacheMaxSize = 0 }, "cache_max_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("expected a validation error")
			}
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Fatalf("errors %v do not mention %q", errs, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	cfg := Default()
	cfg.Limits.MaxBandwidthMBps = 0
	cfg.Limits.BurstSizeMB = 0
	cfg.Mode = "bogus"
	if errs := cfg.Validate(); len(errs) < 3 {
		t.Fatalf("got %d errors, want all three violations reported", len(errs))
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Fatalf("default config invalid: %v", errs)
	}
}

func TestBPFFilterByMode(t *testing.T) {
	cfg := Default()

	cfg.Mode = ModeVRChat
	if f := cfg.BPFFilter(); !strings.Contains(f, "5056") || !strings.Contains(f, "27000-27100") {
		t.Errorf("vrchat filter = %q", f)
	}

	cfg.Mode = ModeUniversal
	if f := cfg.BPFFilter(); f != "tcp or udp" {
		t.Errorf("universal filter = %q", f)
	}

	cfg.Mode = ModeCustom
	if f := cfg.BPFFilter(); f != "udp" {
		t.Errorf("custom filter without bpf = %q", f)
	}
	cfg.Capture.BPF = "udp port 9999"
	if f := cfg.BPFFilter(); f != "udp port 9999" {
		t.Errorf("custom filter = %q", f)
	}
}

func TestDurationHelper(t *testing.T) {
	if d := Duration("30s", time.Minute); d != 30*time.Second {
		t.Errorf("Duration(30s) = %v", d)
	}
	if d := Duration("garbage", time.Minute); d != time.Minute {
		t.Errorf("fallback = %v, want 1m", d)
	}
	if d := Duration("-5s", time.Minute); d != time.Minute {
		t.Errorf("negative duration = %v, want fallback", d)
	}
}
