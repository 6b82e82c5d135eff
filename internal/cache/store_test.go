package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeBackend struct {
	mu            sync.Mutex
	now           func() time.Time
	entries       map[string]Entry
	open          bool
	failWith      error
	ignoreDeletes bool
	calls         int
	lastTTL       time.Duration
}

func newFakeBackend(now func() time.Time) *fakeBackend {
	return &fakeBackend{now: now, entries: map[string]Entry{}, open: true}
}

func (b *fakeBackend) Get(_ context.Context, key string) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failWith != nil {
		return Entry{}, b.failWith
	}
	e, ok := b.entries[key]
	if !ok || e.Expired(b.now()) {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (b *fakeBackend) SetEx(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failWith != nil {
		return b.failWith
	}
	now := b.now()
	b.lastTTL = ttl
	b.entries[key] = Entry{Key: key, Payload: payload, StoredAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

func (b *fakeBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failWith != nil {
		return b.failWith
	}
	if b.ignoreDeletes {
		return nil
	}
	for _, k := range keys {
		delete(b.entries, k)
	}
	return nil
}

func (b *fakeBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	var keys []string
	for k := range b.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (b *fakeBackend) FlushAll(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.entries = map[string]Entry{}
	return nil
}

func (b *fakeBackend) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *fakeBackend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.failWith
}

func (b *fakeBackend) plant(key string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.entries[key] = Entry{Key: key, Payload: payload, StoredAt: now, ExpiresAt: now.Add(time.Hour)}
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(l2 Backend, clock *fakeClock) *Store {
	return New(l2, Options{Logger: quietLogger(), Now: clock.Now})
}

type analysis struct {
	Title  string         `json:"title"`
	Scenes []string       `json:"scenes"`
	Scores map[string]int `json:"scores"`
}

func TestStoreRoundTrip(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(newFakeBackend(clock.Now), clock)
	ctx := context.Background()

	want := analysis{Title: "Heat", Scenes: []string{"bank", "diner"}, Scores: map[string]int{"pace": 8}}
	if err := store.Set(ctx, "station:abc", want, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got analysis
	if !store.Get(ctx, "station:abc", &got) {
		t.Fatalf("expected hit")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("value mismatch (-want +got):\n%s", diff)
	}

	stats := store.Stats()
	if stats.Metrics.Hits.L1 != 1 || stats.Metrics.Hits.Total != 1 || stats.Metrics.Sets != 1 {
		t.Fatalf("unexpected metrics: %+v", stats.Metrics)
	}
	if stats.HitRate != 1 {
		t.Fatalf("hitRate=%v, want 1", stats.HitRate)
	}
}

func TestStoreMissIsCounted(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(nil, clock)

	var v string
	if store.Get(context.Background(), "nope", &v) {
		t.Fatalf("expected miss")
	}
	stats := store.Stats()
	if stats.Metrics.Misses != 1 || stats.HitRate != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Metrics.ConnectionHealth.Status != HealthDisabled {
		t.Fatalf("status=%q, want %q", stats.Metrics.ConnectionHealth.Status, HealthDisabled)
	}
}

func TestStoreL1Expiry(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(nil, clock)
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", 30*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clock.Advance(29 * time.Second)
	var v string
	if !store.Get(ctx, "k", &v) || v != "v" {
		t.Fatalf("expected hit before expiry, got %q", v)
	}
	clock.Advance(2 * time.Second)
	if store.Get(ctx, "k", &v) {
		t.Fatalf("expected miss after expiry")
	}
}

func TestStoreRejectsOversizedValues(t *testing.T) {
	clock := newFakeClock()
	l2 := newFakeBackend(clock.Now)
	store := newTestStore(l2, clock)
	ctx := context.Background()

	big := strings.Repeat("x", MaxValueSize+1)
	if err := store.Set(ctx, "big", big, time.Minute); err != nil {
		t.Fatalf("Set returned %v, want nil", err)
	}
	var v string
	if store.Get(ctx, "big", &v) {
		t.Fatalf("oversized value was stored")
	}
	if l2.callCount() != 1 {
		t.Fatalf("expected only the Get to reach L2, got %d calls", l2.callCount())
	}
	if sets := store.Stats().Metrics.Sets; sets != 0 {
		t.Fatalf("sets=%d, want 0", sets)
	}
}

func TestStoreClosedBackendIsNeverCalled(t *testing.T) {
	clock := newFakeClock()
	l2 := newFakeBackend(clock.Now)
	l2.open = false
	store := newTestStore(l2, clock)
	ctx := context.Background()

	if err := store.Set(ctx, "k", 42, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var n int
	if !store.Get(ctx, "k", &n) || n != 42 {
		t.Fatalf("expected L1 hit with 42, got %d", n)
	}
	store.Get(ctx, "missing", &n)
	store.Delete(ctx, "k")
	store.Clear(ctx)

	if got := l2.callCount(); got != 0 {
		t.Fatalf("closed backend received %d calls", got)
	}
	if status := store.Stats().Metrics.ConnectionHealth.Status; status != HealthDisconnected {
		t.Fatalf("status=%q, want %q", status, HealthDisconnected)
	}
}

func TestStoreDeleteOverridesStaleL2(t *testing.T) {
	clock := newFakeClock()
	l2 := newFakeBackend(clock.Now)
	l2.ignoreDeletes = true
	store := newTestStore(l2, clock)
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	store.Delete(ctx, "k")

	var v string
	if store.Get(ctx, "k", &v) {
		t.Fatalf("deleted key served %q from L2", v)
	}
	if deletes := store.Stats().Metrics.Deletes; deletes != 1 {
		t.Fatalf("deletes=%d, want 1", deletes)
	}

	if err := store.Set(ctx, "k", "again", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !store.Get(ctx, "k", &v) || v != "again" {
		t.Fatalf("expected rewrite to be visible, got %q", v)
	}
}

func TestStoreResetMetricsKeepsEntries(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(nil, clock)
	ctx := context.Background()

	_ = store.Set(ctx, "k", "v", time.Minute)
	var v string
	store.Get(ctx, "k", &v)
	store.Get(ctx, "other", &v)
	store.ResetMetrics()

	want := Stats{Metrics: Metrics{ConnectionHealth: ConnectionHealth{Status: HealthDisabled}}}
	if diff := cmp.Diff(want, store.Stats()); diff != "" {
		t.Fatalf("stats after reset (-want +got):\n%s", diff)
	}
	if !store.Get(ctx, "k", &v) {
		t.Fatalf("reset removed entries")
	}
}

func TestStoreClampsTTL(t *testing.T) {
	clock := newFakeClock()
	l2 := newFakeBackend(clock.Now)
	store := newTestStore(l2, clock)
	ctx := context.Background()

	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{in: 0, want: DefaultTTL},
		{in: -time.Second, want: DefaultTTL},
		{in: 90 * time.Second, want: 90 * time.Second},
		{in: 48 * time.Hour, want: MaxTTL},
	}
	for _, tc := range cases {
		if err := store.Set(ctx, "k", "v", tc.in); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if l2.lastTTL != tc.want {
			t.Fatalf("ttl %v stored as %v, want %v", tc.in, l2.lastTTL, tc.want)
		}
	}
}

func TestStorePromotesL2Hits(t *testing.T) {
	clock := newFakeClock()
	l2 := newFakeBackend(clock.Now)
	writer := newTestStore(l2, clock)
	reader := newTestStore(l2, clock)
	ctx := context.Background()

	if err := writer.Set(ctx, "k", "shared", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var v string
	if !reader.Get(ctx, "k", &v) || v != "shared" {
		t.Fatalf("expected L2 hit, got %q", v)
	}
	if !reader.Get(ctx, "k", &v) {
		t.Fatalf("expected promoted L1 hit")
	}
	hits := reader.Stats().Metrics.Hits
	if diff := cmp.Diff(HitCounts{L1: 1, L2: 1, Total: 2}, hits); diff != "" {
		t.Fatalf("hits (-want +got):\n%s", diff)
	}

	clock.Advance(2 * time.Minute)
	if reader.Get(ctx, "k", &v) {
		t.Fatalf("promoted entry outlived its L2 expiry")
	}
}

func TestStoreReturnsRawPayloadWhenDecodeFails(t *testing.T) {
	clock := newFakeClock()
	l2 := newFakeBackend(clock.Now)
	l2.plant("k", []byte("plain text, not json"))
	store := newTestStore(l2, clock)
	ctx := context.Background()

	var s string
	if !store.Get(ctx, "k", &s) || s != "plain text, not json" {
		t.Fatalf("expected raw fallback, got %q", s)
	}
	var a analysis
	if store.Get(ctx, "k", &a) {
		t.Fatalf("typed destination accepted an undecodable payload")
	}
	stats := store.Stats().Metrics
	if stats.Hits.Total != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected metrics: %+v", stats)
	}
}

func TestStoreDegradesWhenL2Fails(t *testing.T) {
	clock := newFakeClock()
	l2 := newFakeBackend(clock.Now)
	l2.failWith = errors.New("connection reset")
	store := newTestStore(l2, clock)
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set surfaced an L2 failure: %v", err)
	}
	var v string
	if !store.Get(ctx, "k", &v) {
		t.Fatalf("expected L1 hit despite L2 failure")
	}
	store.Get(ctx, "missing", &v)

	health := store.Stats().Metrics.ConnectionHealth
	if health.Status != HealthDisconnected || health.ConsecutiveFailures != 2 {
		t.Fatalf("unexpected health: %+v", health)
	}

	err := store.CheckHealth(ctx)
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("CheckHealth error = %v, want ErrCacheUnavailable", err)
	}
	l2.mu.Lock()
	l2.failWith = nil
	l2.mu.Unlock()
	if err := store.CheckHealth(ctx); err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	health = store.Stats().Metrics.ConnectionHealth
	if health.Status != HealthConnected || health.ConsecutiveFailures != 0 || health.LastCheck == nil {
		t.Fatalf("unexpected health after recovery: %+v", health)
	}
	if !health.LastCheck.Equal(clock.Now()) {
		t.Fatalf("lastCheck=%v, want %v", health.LastCheck, clock.Now())
	}
}

func TestStoreClearFlushesNamespaceOnly(t *testing.T) {
	clock := newFakeClock()
	l2 := newFakeBackend(clock.Now)
	l2.plant("other:k", []byte(`"foreign"`))
	store := New(l2, Options{Namespace: "sl:", Logger: quietLogger(), Now: clock.Now})
	ctx := context.Background()

	_ = store.Set(ctx, "a", "1", time.Minute)
	_ = store.Set(ctx, "b", "2", time.Minute)
	store.Clear(ctx)

	var v string
	if store.Get(ctx, "a", &v) || store.Get(ctx, "b", &v) {
		t.Fatalf("cleared entries still visible")
	}
	if _, ok := l2.entries["other:k"]; !ok {
		t.Fatalf("clear removed keys outside the namespace")
	}
	if _, ok := l2.entries["sl:a"]; ok {
		t.Fatalf("clear left namespaced key in L2")
	}
}

func TestStoreEvictsOldestWhenFull(t *testing.T) {
	clock := newFakeClock()
	store := New(nil, Options{MaxL1Entries: 2, Logger: quietLogger(), Now: clock.Now})
	ctx := context.Background()

	_ = store.Set(ctx, "a", 1, time.Hour)
	clock.Advance(time.Second)
	_ = store.Set(ctx, "b", 2, time.Hour)
	clock.Advance(time.Second)
	_ = store.Set(ctx, "c", 3, time.Hour)

	var n int
	if store.Get(ctx, "a", &n) {
		t.Fatalf("oldest entry was not evicted")
	}
	if !store.Get(ctx, "b", &n) || !store.Get(ctx, "c", &n) {
		t.Fatalf("newer entries were evicted")
	}
}
