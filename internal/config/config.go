// Package config assembles the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/scriptlens/internal/cache"
	"github.com/animus-labs/scriptlens/internal/platform/env"
	"github.com/animus-labs/scriptlens/internal/platform/httpserver"
	"github.com/animus-labs/scriptlens/internal/platform/objectstore"
	"github.com/animus-labs/scriptlens/internal/platform/postgres"
	"github.com/animus-labs/scriptlens/internal/textgen"
)

const ServiceName = "scriptlens"

// L2 backend names.
const (
	BackendNone     = "none"
	BackendPostgres = "postgres"
	BackendMinIO    = "minio"
)

type Cache struct {
	Backend        string
	Namespace      string
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
	MaxValueSize   int
	MaxL1Entries   int
	L2Timeout      time.Duration
	HealthInterval time.Duration
	SweepInterval  time.Duration
	RefreshTimeout time.Duration
}

type Config struct {
	HTTP        httpserver.Config
	Postgres    postgres.Config
	ObjectStore objectstore.Config
	Generator   textgen.Config
	Cache       Cache
	Stations    Stations
}

func Load() (Config, error) {
	httpCfg, err := httpserver.ConfigFromEnv(ServiceName)
	if err != nil {
		return Config{}, fmt.Errorf("http: %w", err)
	}
	pgCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("postgres: %w", err)
	}
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("object store: %w", err)
	}
	genCfg, err := textgen.ConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("generator: %w", err)
	}
	cacheCfg, err := cacheFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("cache: %w", err)
	}
	stationsCfg, err := LoadStations(env.String("SCRIPTLENS_STATIONS_FILE", ""))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTP:        httpCfg,
		Postgres:    pgCfg,
		ObjectStore: storeCfg,
		Generator:   genCfg,
		Cache:       cacheCfg,
		Stations:    stationsCfg,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func cacheFromEnv() (Cache, error) {
	var (
		c   Cache
		err error
	)
	c.Backend = strings.ToLower(env.String("SCRIPTLENS_CACHE_BACKEND", BackendNone))
	c.Namespace = env.String("SCRIPTLENS_CACHE_NAMESPACE", "scriptlens:")
	if c.DefaultTTL, err = env.Seconds("SCRIPTLENS_CACHE_DEFAULT_TTL", cache.DefaultTTL); err != nil {
		return Cache{}, err
	}
	if c.MaxTTL, err = env.Seconds("SCRIPTLENS_CACHE_MAX_TTL", cache.MaxTTL); err != nil {
		return Cache{}, err
	}
	if c.MaxValueSize, err = env.Int("SCRIPTLENS_CACHE_MAX_VALUE_BYTES", cache.MaxValueSize); err != nil {
		return Cache{}, err
	}
	if c.MaxL1Entries, err = env.Int("SCRIPTLENS_CACHE_MAX_L1_ENTRIES", cache.DefaultMaxL1Entries); err != nil {
		return Cache{}, err
	}
	if c.L2Timeout, err = env.Duration("SCRIPTLENS_CACHE_L2_TIMEOUT", 2*time.Second); err != nil {
		return Cache{}, err
	}
	if c.HealthInterval, err = env.Duration("SCRIPTLENS_CACHE_HEALTH_INTERVAL", 30*time.Second); err != nil {
		return Cache{}, err
	}
	if c.SweepInterval, err = env.Duration("SCRIPTLENS_CACHE_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return Cache{}, err
	}
	if c.RefreshTimeout, err = env.Duration("SCRIPTLENS_CACHE_REFRESH_TIMEOUT", 5*time.Minute); err != nil {
		return Cache{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Cache.Backend {
	case BackendNone:
	case BackendPostgres:
		if !c.Postgres.Enabled() {
			return errors.New("SCRIPTLENS_CACHE_BACKEND=postgres requires SCRIPTLENS_DATABASE_URL")
		}
	case BackendMinIO:
		if !c.ObjectStore.Enabled() {
			return errors.New("SCRIPTLENS_CACHE_BACKEND=minio requires SCRIPTLENS_MINIO_ENDPOINT")
		}
	default:
		return fmt.Errorf("SCRIPTLENS_CACHE_BACKEND unsupported: %q", c.Cache.Backend)
	}
	if c.Cache.DefaultTTL <= 0 || c.Cache.MaxTTL <= 0 {
		return errors.New("cache TTLs must be positive")
	}
	if c.Cache.DefaultTTL > c.Cache.MaxTTL {
		return errors.New("SCRIPTLENS_CACHE_DEFAULT_TTL must be <= SCRIPTLENS_CACHE_MAX_TTL")
	}
	if c.Cache.MaxValueSize <= 0 {
		return errors.New("SCRIPTLENS_CACHE_MAX_VALUE_BYTES must be positive")
	}
	if c.Cache.MaxL1Entries < 0 {
		return errors.New("SCRIPTLENS_CACHE_MAX_L1_ENTRIES must be >= 0")
	}
	return nil
}
