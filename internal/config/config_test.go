package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/scriptlens/internal/stations"
)

func TestParseStations(t *testing.T) {
	input := []byte(`
schema: scriptlens.stations.v1
defaults:
  ttl: 12h
  stale_ttl: 3600
stations:
  7:
    timeout: 5m
    stale_while_revalidate: false
  3:
    ttl: 90
`)
	got, err := ParseStations(input)
	if err != nil {
		t.Fatalf("ParseStations: %v", err)
	}

	wantDefaults := stations.DefaultSettings()
	wantDefaults.TTL = 12 * time.Hour
	wantDefaults.StaleTTL = time.Hour
	if diff := cmp.Diff(wantDefaults, got.Defaults); diff != "" {
		t.Fatalf("defaults (-want +got):\n%s", diff)
	}

	off := false
	want := map[int]stations.Override{
		7: {Timeout: 5 * time.Minute, StaleWhileRevalidate: &off},
		3: {TTL: 90 * time.Second},
	}
	if diff := cmp.Diff(want, got.Overrides); diff != "" {
		t.Fatalf("overrides (-want +got):\n%s", diff)
	}
}

func TestParseStationsRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"schema":   "schema: other\n",
		"station":  "schema: scriptlens.stations.v1\nstations:\n  9:\n    ttl: 1h\n",
		"duration": "schema: scriptlens.stations.v1\ndefaults:\n  timeout: soon\n",
		"ttl cap":  "schema: scriptlens.stations.v1\ndefaults:\n  ttl: 48h\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseStations([]byte(input)); err == nil {
				t.Fatalf("expected error for %q", input)
			}
		})
	}
}

func TestLoadStationsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stations.yaml")
	if err := os.WriteFile(path, []byte("schema: scriptlens.stations.v1\nstations:\n  1:\n    timeout: 30s\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadStations(path)
	if err != nil {
		t.Fatalf("LoadStations: %v", err)
	}
	if got.Overrides[1].Timeout != 30*time.Second {
		t.Fatalf("unexpected overrides: %+v", got.Overrides)
	}

	empty, err := LoadStations("")
	if err != nil || empty.Defaults != stations.DefaultSettings() {
		t.Fatalf("LoadStations(\"\") = (%+v, %v)", empty, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCRIPTLENS_DATABASE_URL", "")
	t.Setenv("SCRIPTLENS_MINIO_ENDPOINT", "")
	t.Setenv("SCRIPTLENS_CACHE_BACKEND", "")
	t.Setenv("SCRIPTLENS_STATIONS_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.Backend != BackendNone || cfg.Cache.DefaultTTL != time.Hour || cfg.Cache.MaxTTL != 24*time.Hour {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.HTTP.Service != ServiceName {
		t.Fatalf("unexpected http config: %+v", cfg.HTTP)
	}
}

func TestLoadRejectsBackendWithoutConnection(t *testing.T) {
	t.Setenv("SCRIPTLENS_DATABASE_URL", "")
	t.Setenv("SCRIPTLENS_CACHE_BACKEND", "postgres")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "SCRIPTLENS_DATABASE_URL") {
		t.Fatalf("err=%v, want database url error", err)
	}

	t.Setenv("SCRIPTLENS_CACHE_BACKEND", "redis")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}

func TestLoadReadsCacheTTLSeconds(t *testing.T) {
	t.Setenv("SCRIPTLENS_CACHE_BACKEND", "")
	t.Setenv("SCRIPTLENS_CACHE_DEFAULT_TTL", "600")
	t.Setenv("SCRIPTLENS_CACHE_MAX_TTL", "2h")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.DefaultTTL != 10*time.Minute || cfg.Cache.MaxTTL != 2*time.Hour {
		t.Fatalf("unexpected ttls: %+v", cfg.Cache)
	}
}
