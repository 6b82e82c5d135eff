// Package cache implements a two-tier cache: an in-process L1 map in front of an optional
// durable L2 Backend. L2 failures never reach callers; they degrade the store to L1-only
// and show up in the connection health reported by Stats.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type Options struct {
	// Namespace prefixes every L2 key; Clear flushes only this namespace.
	Namespace    string
	DefaultTTL   time.Duration
	MaxTTL       time.Duration
	MaxValueSize int
	MaxL1Entries int
	// L2Timeout bounds each L2 call. Zero leaves the caller's context in charge.
	L2Timeout       time.Duration
	CleanupInterval time.Duration
	Codec           Codec
	Logger          *slog.Logger
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.MaxTTL <= 0 {
		o.MaxTTL = MaxTTL
	}
	if o.DefaultTTL > o.MaxTTL {
		o.DefaultTTL = o.MaxTTL
	}
	if o.MaxValueSize <= 0 {
		o.MaxValueSize = MaxValueSize
	}
	if o.MaxL1Entries == 0 {
		o.MaxL1Entries = DefaultMaxL1Entries
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 10 * time.Minute
	}
	if o.Codec == nil {
		o.Codec = JSONCodec{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Store struct {
	opts    Options
	l1      *gocache.Cache
	l1mu    sync.Mutex
	l2      Backend
	codec   Codec
	logger  *slog.Logger
	now     func() time.Time
	metrics *metricsRecorder

	clearMu   sync.RWMutex
	clearedAt time.Time
}

// New builds a store. A nil backend runs the store L1-only.
func New(l2 Backend, opts Options) *Store {
	opts = opts.withDefaults()
	status := HealthDisabled
	if l2 != nil {
		status = HealthDisconnected
		if l2.IsOpen() {
			status = HealthConnected
		}
	}
	return &Store{
		opts:    opts,
		l1:      gocache.New(opts.DefaultTTL, opts.CleanupInterval),
		l2:      l2,
		codec:   opts.Codec,
		logger:  opts.Logger,
		now:     opts.Now,
		metrics: newMetricsRecorder(status),
	}
}

// Get decodes the cached value for key into dst, which must be a pointer. It reports
// whether a usable value was found. When the codec rejects the payload and dst is a
// *string, *[]byte, *json.RawMessage or *any, the raw payload is assigned instead.
func (s *Store) Get(ctx context.Context, key string, dst any) bool {
	return s.get(ctx, key, dst, true)
}

func (s *Store) get(ctx context.Context, key string, dst any, record bool) bool {
	payload, t, ok := s.lookup(ctx, key)
	if ok {
		ok = s.decode(key, payload, dst)
	}
	if record {
		s.metrics.observe(t, ok)
	}
	return ok
}

func (s *Store) lookup(ctx context.Context, key string) ([]byte, tier, bool) {
	if item, found := s.l1.Get(key); found {
		switch v := item.(type) {
		case tombstone:
			return nil, tierNone, false
		case Entry:
			if !v.Expired(s.now()) {
				return v.Payload, tierL1, true
			}
			s.l1.Delete(key)
		}
	}

	if !s.l2Ready() {
		return nil, tierNone, false
	}
	l2ctx, cancel := s.l2Context(ctx)
	defer cancel()
	entry, err := s.l2.Get(l2ctx, s.l2Key(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.metrics.l2Result(true)
		} else {
			s.l2Failed("get", key, err)
		}
		return nil, tierNone, false
	}
	s.metrics.l2Result(true)

	if entry.Expired(s.now()) || s.clearedBefore(entry.StoredAt) {
		return nil, tierNone, false
	}
	s.promote(key, entry)
	return entry.Payload, tierL2, true
}

// promote copies an L2 hit into L1 for the rest of its L2 lifetime.
func (s *Store) promote(key string, entry Entry) {
	now := s.now()
	ttl := s.opts.DefaultTTL
	if !entry.ExpiresAt.IsZero() {
		ttl = entry.ExpiresAt.Sub(now)
	}
	if ttl <= 0 {
		return
	}
	s.writeL1(Entry{
		Key:       key,
		Payload:   entry.Payload,
		StoredAt:  entry.StoredAt,
		ExpiresAt: now.Add(ttl),
	}, ttl)
}

func (s *Store) decode(key string, payload []byte, dst any) bool {
	if dst == nil {
		return true
	}
	err := s.codec.Decode(payload, dst)
	if err == nil {
		return true
	}
	if assignRaw(payload, dst) {
		s.logger.Debug("cache payload returned raw", "key", key, "error", fmt.Errorf("%w: %v", ErrDeserializationFallback, err))
		return true
	}
	s.logger.Warn("cache payload undecodable", "key", key, "error", err)
	return false
}

// Set stores value under key for ttl. Non-positive TTLs fall back to the default and long
// ones are capped. Oversized values are dropped without error; only encoding failures are
// returned.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return s.put(ctx, key, value, ttl, 0)
}

// put writes value under key and, when shadowTTL > 0, a stale shadow that outlives it.
func (s *Store) put(ctx context.Context, key string, value any, ttl, shadowTTL time.Duration) error {
	ttl = s.ClampTTL(ttl)
	payload, err := s.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if len(payload) > s.opts.MaxValueSize {
		s.logger.Warn("cache value rejected",
			"key", key,
			"size", len(payload),
			"limit", s.opts.MaxValueSize,
			"error", ErrValueTooLarge,
		)
		return nil
	}

	s.write(ctx, key, payload, ttl)
	if shadowTTL > 0 {
		s.write(ctx, staleKey(key), payload, shadowTTL)
	}
	s.metrics.set()
	return nil
}

func (s *Store) write(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	now := s.now()
	s.writeL1(Entry{Key: key, Payload: payload, StoredAt: now, ExpiresAt: now.Add(ttl)}, ttl)

	if !s.l2Ready() {
		return
	}
	l2ctx, cancel := s.l2Context(ctx)
	defer cancel()
	if err := s.l2.SetEx(l2ctx, s.l2Key(key), payload, ttl); err != nil {
		s.l2Failed("set", key, err)
		return
	}
	s.metrics.l2Result(true)
}

func (s *Store) writeL1(entry Entry, ttl time.Duration) {
	s.l1mu.Lock()
	defer s.l1mu.Unlock()
	if _, exists := s.l1.Get(entry.Key); !exists {
		s.makeRoom()
	}
	s.l1.Set(entry.Key, entry, ttl)
}

// makeRoom evicts expired entries, then the oldest one, once L1 is at capacity.
// Callers hold l1mu.
func (s *Store) makeRoom() {
	limit := s.opts.MaxL1Entries
	if limit <= 0 || s.l1.ItemCount() < limit {
		return
	}
	s.l1.DeleteExpired()
	for s.l1.ItemCount() >= limit {
		oldestKey := ""
		var oldest time.Time
		for k, item := range s.l1.Items() {
			var at time.Time
			switch v := item.Object.(type) {
			case Entry:
				at = v.StoredAt
			case tombstone:
				at = v.DeletedAt
			}
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		if oldestKey == "" {
			return
		}
		s.l1.Delete(oldestKey)
	}
}

// Delete removes key, and its stale shadow, from both tiers.
func (s *Store) Delete(ctx context.Context, key string) {
	marker := tombstone{DeletedAt: s.now()}
	s.l1mu.Lock()
	s.l1.Set(key, marker, s.opts.MaxTTL)
	s.l1.Set(staleKey(key), marker, s.opts.MaxTTL)
	s.l1mu.Unlock()

	if s.l2Ready() {
		l2ctx, cancel := s.l2Context(ctx)
		err := s.l2.Delete(l2ctx, s.l2Key(key), s.l2Key(staleKey(key)))
		cancel()
		if err != nil {
			s.l2Failed("delete", key, err)
		} else {
			s.metrics.l2Result(true)
		}
	}
	s.metrics.delete()
}

// Clear drops every L1 entry and the store's L2 namespace.
func (s *Store) Clear(ctx context.Context) {
	s.l1mu.Lock()
	s.l1.Flush()
	s.l1mu.Unlock()

	s.clearMu.Lock()
	s.clearedAt = s.now()
	s.clearMu.Unlock()

	if s.l2Ready() {
		l2ctx, cancel := s.l2Context(ctx)
		err := s.flushNamespace(l2ctx)
		cancel()
		if err != nil {
			s.l2Failed("clear", s.opts.Namespace, err)
		} else {
			s.metrics.l2Result(true)
		}
	}
	s.metrics.delete()
}

func (s *Store) flushNamespace(ctx context.Context) error {
	if s.opts.Namespace == "" {
		return s.l2.FlushAll(ctx)
	}
	keys, err := s.l2.Keys(ctx, s.opts.Namespace)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.l2.Delete(ctx, keys...)
}

func (s *Store) clearedBefore(storedAt time.Time) bool {
	if storedAt.IsZero() {
		return false
	}
	s.clearMu.RLock()
	defer s.clearMu.RUnlock()
	return !s.clearedAt.IsZero() && !storedAt.After(s.clearedAt)
}

// Stats returns a snapshot of the counters and the L2 connection health.
func (s *Store) Stats() Stats {
	return s.metrics.snapshot()
}

// ResetMetrics zeroes the counters without touching stored entries.
func (s *Store) ResetMetrics() {
	s.metrics.reset()
}

// ClampTTL applies the default and maximum TTL bounds.
func (s *Store) ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.opts.DefaultTTL
	}
	if ttl > s.opts.MaxTTL {
		return s.opts.MaxTTL
	}
	return ttl
}

// CheckHealth pings L2 and records the outcome. It returns nil when no L2 is configured.
func (s *Store) CheckHealth(ctx context.Context) error {
	if s.l2 == nil {
		return nil
	}
	l2ctx, cancel := s.l2Context(ctx)
	defer cancel()
	err := s.l2.Ping(l2ctx)
	s.metrics.checked(s.now(), err == nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// RunHealthChecks calls CheckHealth every interval until ctx is done.
func (s *Store) RunHealthChecks(ctx context.Context, interval time.Duration) {
	if s.l2 == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CheckHealth(ctx); err != nil {
				s.logger.Warn("cache l2 health check failed", "error", err)
			}
		}
	}
}

func (s *Store) l2Ready() bool {
	return s.l2 != nil && s.l2.IsOpen()
}

func (s *Store) l2Key(key string) string {
	if s.opts.Namespace == "" || strings.HasPrefix(key, s.opts.Namespace) {
		return key
	}
	return s.opts.Namespace + key
}

func (s *Store) l2Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.L2Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.L2Timeout)
}

func (s *Store) l2Failed(op, key string, err error) {
	s.metrics.l2Result(false)
	s.logger.Warn("cache l2 degraded",
		"op", op,
		"key", key,
		"error", fmt.Errorf("%w: %v", ErrCacheUnavailable, err),
	)
}
