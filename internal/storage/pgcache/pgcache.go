// Package pgcache is a cache.Backend on a Postgres table. Rows carry their own expiry;
// expired rows are invisible to reads and removed by Sweep.
package pgcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/animus-labs/scriptlens/internal/cache"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PingContext(ctx context.Context) error
}

const (
	createTableQuery = `CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key TEXT PRIMARY KEY,
		payload BYTEA NOT NULL,
		stored_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`

	createExpiryIndexQuery = `CREATE INDEX IF NOT EXISTS cache_entries_expires_at_idx ON cache_entries (expires_at)`

	selectEntryQuery = `SELECT cache_key, payload, stored_at, expires_at
	 FROM cache_entries
	 WHERE cache_key = $1 AND expires_at > $2`

	upsertEntryQuery = `INSERT INTO cache_entries (cache_key, payload, stored_at, expires_at)
	 VALUES ($1,$2,$3,$4)
	 ON CONFLICT (cache_key) DO UPDATE
	 SET payload = EXCLUDED.payload, stored_at = EXCLUDED.stored_at, expires_at = EXCLUDED.expires_at`

	deleteEntriesQuery = `DELETE FROM cache_entries WHERE cache_key = ANY($1)`

	listKeysQuery = `SELECT cache_key
	 FROM cache_entries
	 WHERE cache_key LIKE $1 ESCAPE '\' AND expires_at > $2
	 ORDER BY cache_key ASC`

	flushQuery = `DELETE FROM cache_entries`

	sweepQuery = `DELETE FROM cache_entries WHERE expires_at <= $1`
)

type Store struct {
	db   DB
	now  func() time.Time
	open atomic.Bool
}

func New(db DB) *Store {
	if db == nil {
		return nil
	}
	s := &Store{db: db, now: time.Now}
	s.open.Store(true)
	return s
}

// EnsureSchema creates the cache table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("cache store not initialized")
	}
	for _, q := range []string{createTableQuery, createExpiryIndexQuery} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure cache schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	if s == nil || s.db == nil {
		return cache.Entry{}, fmt.Errorf("cache store not initialized")
	}
	var entry cache.Entry
	err := s.db.QueryRowContext(ctx, selectEntryQuery, key, s.now().UTC()).Scan(
		&entry.Key,
		&entry.Payload,
		&entry.StoredAt,
		&entry.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cache.Entry{}, cache.ErrNotFound
		}
		return cache.Entry{}, fmt.Errorf("get cache entry: %w", err)
	}
	entry.StoredAt = entry.StoredAt.UTC()
	entry.ExpiresAt = entry.ExpiresAt.UTC()
	return entry, nil
}

func (s *Store) SetEx(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("cache store not initialized")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("cache key is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx, upsertEntryQuery, key, payload, now, now.Add(ttl)); err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("cache store not initialized")
	}
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, deleteEntriesQuery, keys); err != nil {
		return fmt.Errorf("delete cache entries: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("cache store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listKeysQuery, likePrefix(prefix), s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("list cache keys: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	return keys, nil
}

func (s *Store) FlushAll(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("cache store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, flushQuery); err != nil {
		return fmt.Errorf("flush cache entries: %w", err)
	}
	return nil
}

// Sweep deletes expired rows and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("cache store not initialized")
	}
	res, err := s.db.ExecContext(ctx, sweepQuery, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep cache entries: rows affected: %w", err)
	}
	return n, nil
}

// IsOpen reports the outcome of the most recent Ping. A new store starts open.
func (s *Store) IsOpen() bool {
	return s != nil && s.db != nil && s.open.Load()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("cache store not initialized")
	}
	err := s.db.PingContext(ctx)
	s.open.Store(err == nil)
	return err
}

// Close marks the store closed. The underlying handle is owned by the caller.
func (s *Store) Close() {
	if s != nil {
		s.open.Store(false)
	}
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if s == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsOpen() {
				continue
			}
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn("cache sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("cache sweep removed expired entries", "count", n)
			}
		}
	}
}
