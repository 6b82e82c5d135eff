// Package pipeline runs a dependency graph of cached steps. Steps whose dependencies have
// resolved run concurrently; the first failure fails the whole execution.
package pipeline

import (
	"context"
	"time"

	"github.com/animus-labs/scriptlens/internal/cache"
)

// ComputeFunc produces a step's value from the shared input and the values of the step's
// dependencies, keyed by step ID.
type ComputeFunc func(ctx context.Context, input any, upstream map[string]any) (any, error)

type Step struct {
	ID           string
	Name         string
	Dependencies []string
	// TTL is handed to the cache unchanged; zero means the cache default.
	TTL     time.Duration
	Timeout time.Duration
	// StaleWhileRevalidate lets an expired value be served while it is recomputed.
	StaleWhileRevalidate bool
	StaleTTL             time.Duration
	Compute              ComputeFunc
}

type StepResult struct {
	StepID   string
	Success  bool
	Value    any
	Err      error
	Duration time.Duration
	Cached   bool
	Source   cache.Source
}
