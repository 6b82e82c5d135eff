package cache

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultTTL applies when a caller passes a zero or negative TTL.
	DefaultTTL = time.Hour
	// MaxTTL caps every TTL handed to Set.
	MaxTTL = 24 * time.Hour
	// MaxValueSize is the largest encoded payload accepted by Set.
	MaxValueSize = 1 << 20
	// DefaultMaxL1Entries bounds the in-process tier.
	DefaultMaxL1Entries = 10000

	staleSuffix = ":stale"
)

var (
	// ErrNotFound is returned by a Backend when a key is absent or expired.
	ErrNotFound = errors.New("cache: key not found")
	// ErrCacheUnavailable marks L2 failures that were absorbed by the store.
	ErrCacheUnavailable = errors.New("cache: l2 unavailable")
	// ErrValueTooLarge marks values that Set refused to store.
	ErrValueTooLarge = errors.New("cache: value too large")
	// ErrDeserializationFallback marks payloads returned raw because the codec rejected them.
	ErrDeserializationFallback = errors.New("cache: payload returned undecoded")
)

// Entry is an immutable cache record. A Set replaces the entry for a key.
type Entry struct {
	Key       string
	Payload   []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now. A zero ExpiresAt never expires.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Backend is the durable, networked tier. Implementations enforce TTLs themselves and
// expose a liveness flag that the store checks before every call.
type Backend interface {
	// Get returns ErrNotFound when the key is missing or expired.
	Get(ctx context.Context, key string) (Entry, error)
	SetEx(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists the keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	FlushAll(ctx context.Context) error
	IsOpen() bool
	Ping(ctx context.Context) error
}

// tombstone shadows an L1 key after Delete so a lagging L2 copy is not served again.
type tombstone struct {
	DeletedAt time.Time
}

func staleKey(key string) string {
	return key + staleSuffix
}
