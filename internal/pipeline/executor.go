package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/scriptlens/internal/cache"
	"github.com/animus-labs/scriptlens/internal/cachekey"
)

// KeyPrefix namespaces the cache keys of step results.
const KeyPrefix = "station"

// Executor runs one step through the revalidating cache.
type Executor struct {
	cache  *cache.Revalidator
	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor returns an executor. A nil revalidator disables caching.
func NewExecutor(rv *cache.Revalidator, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cache: rv, logger: logger, now: time.Now}
}

// StepKey is the cache key of a step's result for the given shared input.
func StepKey(step Step, input any) string {
	return cachekey.Generate(KeyPrefix, map[string]any{
		"id":    step.ID,
		"name":  step.Name,
		"input": cachekey.Fingerprint(input),
	})
}

type outcome struct {
	value  any
	source cache.Source
	err    error
}

// Run never returns an error; failures are reported through the StepResult.
func (e *Executor) Run(ctx context.Context, step Step, input any, upstream map[string]any) StepResult {
	start := e.now()
	result := StepResult{StepID: step.ID}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if step.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		value, source, err := e.resolve(runCtx, step, input, upstream)
		done <- outcome{value: value, source: source, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && runCtx.Err() != nil && ctx.Err() == nil {
			out.err = &StepTimeoutError{StepID: step.ID, Timeout: step.Timeout}
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			out.err = ctx.Err()
		} else {
			out.err = &StepTimeoutError{StepID: step.ID, Timeout: step.Timeout}
		}
	}
	result.Duration = e.now().Sub(start)

	if out.err != nil {
		var timeout *StepTimeoutError
		if errors.As(out.err, &timeout) {
			result.Err = timeout
		} else {
			result.Err = &StepComputeError{StepID: step.ID, Err: out.err}
		}
		e.logger.Warn("step failed",
			"step_id", step.ID,
			"step_name", step.Name,
			"duration_ms", result.Duration.Milliseconds(),
			"error", result.Err,
		)
		return result
	}

	result.Success = true
	result.Value = out.value
	result.Source = out.source
	result.Cached = out.source != cache.SourceComputed
	e.logger.Debug("step completed",
		"step_id", step.ID,
		"source", string(out.source),
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result
}

func (e *Executor) resolve(ctx context.Context, step Step, input any, upstream map[string]any) (any, cache.Source, error) {
	compute := func(ctx context.Context) (any, error) {
		return step.Compute(ctx, input, upstream)
	}
	if e.cache == nil {
		value, err := compute(ctx)
		return value, cache.SourceComputed, err
	}
	return cache.Resolve(ctx, e.cache, StepKey(step, input), step.TTL, compute, cache.ResolveOptions{
		StaleWhileRevalidate: step.StaleWhileRevalidate,
		StaleTTL:             step.StaleTTL,
	})
}
