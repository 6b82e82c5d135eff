package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Source reports where a resolved value came from.
type Source string

const (
	SourceComputed Source = "computed"
	SourceFresh    Source = "fresh"
	SourceStale    Source = "stale"
)

// ResolveOptions control a single Resolve call.
type ResolveOptions struct {
	StaleWhileRevalidate bool
	// StaleTTL is how long past its expiry a value may still be served stale.
	// Zero means the value's own TTL.
	StaleTTL time.Duration
}

// RefreshError describes a detached refresh that failed.
type RefreshError struct {
	Key string
	Err error
}

func (e RefreshError) Error() string {
	return fmt.Sprintf("refresh %s: %v", e.Key, e.Err)
}

func (e RefreshError) Unwrap() error { return e.Err }

type RevalidatorOptions struct {
	Logger *slog.Logger
	// RefreshTimeout bounds each detached refresh and each shared compute. Zero disables
	// the bound.
	RefreshTimeout time.Duration
	// ErrorBuffer sizes the Errors channel. Errors beyond the buffer are dropped.
	ErrorBuffer int
	// OnRefreshError, when set, is called for every failed refresh.
	OnRefreshError func(RefreshError)
}

// Revalidator layers stale-while-revalidate and single-flight computation over a Store.
type Revalidator struct {
	store  *Store
	logger *slog.Logger
	opts   RevalidatorOptions
	group  singleflight.Group

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
	errs     chan RefreshError
}

func NewRevalidator(store *Store, opts RevalidatorOptions) *Revalidator {
	if opts.Logger == nil {
		opts.Logger = store.logger
	}
	if opts.ErrorBuffer <= 0 {
		opts.ErrorBuffer = 16
	}
	return &Revalidator{
		store:    store,
		logger:   opts.Logger,
		opts:     opts,
		inflight: make(map[string]struct{}),
		errs:     make(chan RefreshError, opts.ErrorBuffer),
	}
}

// Store returns the underlying store.
func (r *Revalidator) Store() *Store { return r.store }

// Errors delivers failed background refreshes.
func (r *Revalidator) Errors() <-chan RefreshError { return r.errs }

// Wait blocks until every background refresh started so far has finished.
func (r *Revalidator) Wait() { r.wg.Wait() }

type flightResult struct {
	value  any
	source Source
}

// Resolve returns the cached value for key, falling back to compute. Concurrent misses for
// the same key share one compute call. With StaleWhileRevalidate, an expired value still
// inside its stale window is returned at once and refreshed in the background.
// Errors from compute are returned unchanged. A shared compute does not inherit any one
// caller's cancellation; each caller stops waiting when its own ctx is done.
func Resolve[T any](ctx context.Context, r *Revalidator, key string, ttl time.Duration, compute func(context.Context) (T, error), opts ResolveOptions) (T, Source, error) {
	var fresh T
	if r.store.Get(ctx, key, &fresh) {
		return fresh, SourceFresh, nil
	}

	if opts.StaleWhileRevalidate {
		var stale T
		if r.store.get(ctx, staleKey(key), &stale, false) {
			r.refresh(ctx, key, ttl, opts, func(ctx context.Context) (any, error) {
				return compute(ctx)
			})
			return stale, SourceStale, nil
		}
	}

	ch := r.group.DoChan(key, func() (any, error) {
		flightCtx, cancel := r.detach(ctx)
		defer cancel()

		var cached T
		if r.store.get(flightCtx, key, &cached, false) {
			return flightResult{value: cached, source: SourceFresh}, nil
		}
		value, err := compute(flightCtx)
		if err != nil {
			return nil, err
		}
		if err := r.store.put(flightCtx, key, value, ttl, r.shadowTTL(ttl, opts)); err != nil {
			r.logger.Warn("cache store failed", "key", key, "error", err)
		}
		return flightResult{value: value, source: SourceComputed}, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, SourceComputed, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, SourceComputed, res.Err
		}
		fr := res.Val.(flightResult)
		return valueAs[T](fr.value), fr.source, nil
	}
}

// detach returns a context that keeps ctx's values but not its cancellation, bounded by
// RefreshTimeout when one is set.
func (r *Revalidator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	bg := context.WithoutCancel(ctx)
	if r.opts.RefreshTimeout > 0 {
		return context.WithTimeout(bg, r.opts.RefreshTimeout)
	}
	return bg, func() {}
}

func valueAs[T any](v any) T {
	if t, ok := v.(T); ok {
		return t
	}
	var zero T
	return zero
}

func (r *Revalidator) shadowTTL(ttl time.Duration, opts ResolveOptions) time.Duration {
	if !opts.StaleWhileRevalidate {
		return 0
	}
	ttl = r.store.ClampTTL(ttl)
	if opts.StaleTTL > 0 {
		return ttl + opts.StaleTTL
	}
	return 2 * ttl
}

// refresh recomputes key in the background unless a refresh for it is already running.
func (r *Revalidator) refresh(ctx context.Context, key string, ttl time.Duration, opts ResolveOptions, compute func(context.Context) (any, error)) {
	r.mu.Lock()
	if _, running := r.inflight[key]; running {
		r.mu.Unlock()
		return
	}
	r.inflight[key] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, key)
			r.mu.Unlock()
		}()
		defer func() {
			if p := recover(); p != nil {
				r.refreshFailed(key, fmt.Errorf("panic: %v", p))
			}
		}()

		bg, cancel := r.detach(ctx)
		defer cancel()
		value, err := compute(bg)
		if err != nil {
			r.refreshFailed(key, err)
			return
		}
		if err := r.store.put(bg, key, value, ttl, r.shadowTTL(ttl, opts)); err != nil {
			r.refreshFailed(key, err)
			return
		}
		r.logger.Debug("cache refreshed", "key", key)
	}()
}

func (r *Revalidator) refreshFailed(key string, err error) {
	rerr := RefreshError{Key: key, Err: err}
	r.logger.Warn("cache refresh failed", "key", key, "error", err)
	if r.opts.OnRefreshError != nil {
		r.opts.OnRefreshError(rerr)
	}
	select {
	case r.errs <- rerr:
	default:
	}
}
