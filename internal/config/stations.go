package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/scriptlens/internal/stations"
)

const StationsSchemaV1 = "scriptlens.stations.v1"

// StationsFile is the on-disk form of per-station overrides.
//
//	schema: scriptlens.stations.v1
//	defaults:
//	  ttl: 12h
//	stations:
//	  7:
//	    timeout: 5m
//	    stale_while_revalidate: false
type StationsFile struct {
	Schema   string              `yaml:"schema"`
	Defaults StationSpec         `yaml:"defaults"`
	Stations map[int]StationSpec `yaml:"stations"`
}

type StationSpec struct {
	TTL                  Duration `yaml:"ttl"`
	Timeout              Duration `yaml:"timeout"`
	StaleWhileRevalidate *bool    `yaml:"stale_while_revalidate"`
	StaleTTL             Duration `yaml:"stale_ttl"`
}

func (s StationSpec) override() stations.Override {
	return stations.Override{
		TTL:                  time.Duration(s.TTL),
		Timeout:              time.Duration(s.Timeout),
		StaleWhileRevalidate: s.StaleWhileRevalidate,
		StaleTTL:             time.Duration(s.StaleTTL),
	}
}

// Duration accepts duration strings ("90s", "2h") or integer seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, raw)
	}
	*d = Duration(parsed)
	return nil
}

// Stations is the resolved station configuration.
type Stations struct {
	Defaults  stations.Settings
	Overrides map[int]stations.Override
}

func ParseStations(input []byte) (Stations, error) {
	var file StationsFile
	if err := yaml.Unmarshal(input, &file); err != nil {
		return Stations{}, fmt.Errorf("decode stations file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return Stations{}, err
	}

	out := Stations{
		Defaults:  stations.DefaultSettings().Apply(file.Defaults.override()),
		Overrides: make(map[int]stations.Override, len(file.Stations)),
	}
	for n, spec := range file.Stations {
		out.Overrides[n] = spec.override()
	}
	return out, nil
}

// LoadStations reads path; an empty path yields the built-in defaults.
func LoadStations(path string) (Stations, error) {
	if strings.TrimSpace(path) == "" {
		return Stations{Defaults: stations.DefaultSettings()}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Stations{}, fmt.Errorf("read stations file: %w", err)
	}
	return ParseStations(raw)
}

func (f StationsFile) Validate() error {
	if strings.TrimSpace(f.Schema) != StationsSchemaV1 {
		return fmt.Errorf("stations.schema must be %q", StationsSchemaV1)
	}
	if err := f.Defaults.validate("stations.defaults"); err != nil {
		return err
	}
	for n, spec := range f.Stations {
		if n < stations.EntityExtraction || n > stations.Synthesis {
			return fmt.Errorf("stations.stations[%d]: unknown station", n)
		}
		if err := spec.validate(fmt.Sprintf("stations.stations[%d]", n)); err != nil {
			return err
		}
	}
	return nil
}

func (s StationSpec) validate(prefix string) error {
	if s.TTL < 0 {
		return fmt.Errorf("%s.ttl must be >= 0", prefix)
	}
	if time.Duration(s.TTL) > 24*time.Hour {
		return fmt.Errorf("%s.ttl must be <= 24h", prefix)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%s.timeout must be >= 0", prefix)
	}
	if s.StaleTTL < 0 {
		return fmt.Errorf("%s.stale_ttl must be >= 0", prefix)
	}
	return nil
}
