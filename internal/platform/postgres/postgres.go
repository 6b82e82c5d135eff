package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/scriptlens/internal/platform/env"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// ConnectAttempts is how many pings Open tries before giving up. The delay between
	// attempts starts at ConnectBackoff and doubles.
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

// Enabled reports whether a database URL was configured. The service runs without
// Postgres when it is not.
func (c Config) Enabled() bool {
	return c.URL != ""
}

func ConfigFromEnv() (Config, error) {
	pingTimeout, err := env.Duration("SCRIPTLENS_DATABASE_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := env.Int("SCRIPTLENS_DATABASE_MAX_OPEN_CONNS", 10)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := env.Int("SCRIPTLENS_DATABASE_MAX_IDLE_CONNS", 5)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := env.Duration("SCRIPTLENS_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}
	connMaxIdleTime, err := env.Duration("SCRIPTLENS_DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	connectAttempts, err := env.Int("SCRIPTLENS_DATABASE_CONNECT_ATTEMPTS", 5)
	if err != nil {
		return Config{}, err
	}
	connectBackoff, err := env.Duration("SCRIPTLENS_DATABASE_CONNECT_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:             env.String("SCRIPTLENS_DATABASE_URL", ""),
		PingTimeout:     pingTimeout,
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
		ConnectAttempts: connectAttempts,
		ConnectBackoff:  connectBackoff,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.PingTimeout <= 0 {
		return errors.New("SCRIPTLENS_DATABASE_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("SCRIPTLENS_DATABASE_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("SCRIPTLENS_DATABASE_MAX_IDLE_CONNS must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("SCRIPTLENS_DATABASE_MAX_IDLE_CONNS must be <= SCRIPTLENS_DATABASE_MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("SCRIPTLENS_DATABASE_CONN_MAX_LIFETIME must be >= 0")
	}
	if c.ConnMaxIdleTime < 0 {
		return errors.New("SCRIPTLENS_DATABASE_CONN_MAX_IDLE_TIME must be >= 0")
	}
	if c.ConnectAttempts < 1 {
		return errors.New("SCRIPTLENS_DATABASE_CONNECT_ATTEMPTS must be >= 1")
	}
	if c.ConnectBackoff < 0 {
		return errors.New("SCRIPTLENS_DATABASE_CONNECT_BACKOFF must be >= 0")
	}
	return nil
}

func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, errors.New("SCRIPTLENS_DATABASE_URL is required")
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := pingUntilReady(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// pingUntilReady pings db up to cfg.ConnectAttempts times so the service can start
// alongside a database that is still booting.
func pingUntilReady(ctx context.Context, db pinger, cfg Config) error {
	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.ConnectBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		lastErr = db.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("ping after %d attempts: %w", attempts, lastErr)
}
