package config

import (
	"errors"
	"os"
	"path/filepath"
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

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if *cfg != *want {
		t.Errorf("cfg = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Firehose.Host != "bsky.network" || cfg.Feedgen.Workers != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
firehose:
  host: relay.example.com
  watchdog_timeout: 30s
feedgen:
  addr: ":9000"
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Firehose.Host != "relay.example.com" {
		t.Errorf("firehose host = %q", cfg.Firehose.Host)
	}
	if cfg.Firehose.WatchdogTimeout != 30*time.Second {
		t.Errorf("watchdog timeout = %v", cfg.Firehose.WatchdogTimeout)
	}
	if cfg.Feedgen.Addr != ":9000" {
		t.Errorf("feedgen addr = %q", cfg.Feedgen.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %q", cfg.Logging.Level)
	}

	// Untouched keys keep their defaults.
	if cfg.PDS.Host != "bsky.social" {
		t.Errorf("pds host = %q", cfg.PDS.Host)
	}
	if cfg.Firehose.FiltersPath != "filters.yaml" {
		t.Errorf("filters path = %q", cfg.Firehose.FiltersPath)
	}
	if cfg.Feedgen.Workers != 4 {
		t.Errorf("workers = %d", cfg.Feedgen.Workers)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{
			name:    "empty firehose host",
			content: "firehose:\n  host: \"\"\n",
			want:    ErrEmptyHost,
		},
		{
			name:    "negative watchdog timeout",
			content: "firehose:\n  watchdog_timeout: -5s\n",
			want:    ErrInvalidTimeout,
		},
		{
			name:    "negative workers",
			content: "feedgen:\n  workers: -1\n",
			want:    ErrInvalidWorkers,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); !errors.Is(err, tt.want) {
				t.Errorf("Load = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "firehose: [not a map")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
