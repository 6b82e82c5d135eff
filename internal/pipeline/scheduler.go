package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Recorder persists execution progress. Its errors are logged and never fail a run.
type Recorder interface {
	ExecutionStarted(ctx context.Context, snap Snapshot) error
	StepFinished(ctx context.Context, executionID string, result StepResult) error
	ExecutionFinished(ctx context.Context, snap Snapshot) error
}

type SchedulerOptions struct {
	Recorder Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

type Scheduler struct {
	executor *Executor
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewScheduler(executor *Executor, opts SchedulerOptions) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		executor: executor,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// Run executes steps against input and waits for the execution to end. The returned
// execution is non-nil whenever validation passed.
func (s *Scheduler) Run(ctx context.Context, steps []Step, input any) (*Execution, error) {
	exec, err := s.Start(ctx, steps, input)
	if err != nil {
		return nil, err
	}
	return exec, exec.Wait()
}

// Start validates the graph and dispatches it. Nothing runs when validation fails.
// Cancelling ctx cancels the execution; started steps keep running.
func (s *Scheduler) Start(ctx context.Context, steps []Step, input any) (*Execution, error) {
	ordered, err := Validate(steps)
	if err != nil {
		return nil, err
	}

	exec := newExecution(uuid.NewString(), ordered, s.now)
	stepCtx := context.WithoutCancel(ctx)
	exec.onFinish = func(e *Execution) {
		snap := e.Snapshot()
		s.logger.Info("pipeline execution finished",
			"execution_id", snap.ID,
			"status", string(snap.Status),
			"progress", snap.Progress,
			"duration_ms", snap.EndedAt.Sub(snap.StartedAt).Milliseconds(),
		)
		if s.recorder != nil {
			if err := s.recorder.ExecutionFinished(stepCtx, snap); err != nil {
				s.logger.Warn("record execution finish failed", "execution_id", snap.ID, "error", err)
			}
		}
	}

	exec.start(s.now())
	if s.recorder != nil {
		if err := s.recorder.ExecutionStarted(stepCtx, exec.Snapshot()); err != nil {
			s.logger.Warn("record execution start failed", "execution_id", exec.ID, "error", err)
		}
	}
	s.logger.Info("pipeline execution started", "execution_id", exec.ID, "steps", len(ordered))

	var g errgroup.Group
	for _, step := range ordered {
		g.Go(func() error {
			s.runStep(stepCtx, exec, step, input)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(exec.settled)
	}()
	go func() {
		select {
		case <-ctx.Done():
			exec.Cancel()
		case <-exec.finished:
		}
	}()
	return exec, nil
}

func (s *Scheduler) runStep(ctx context.Context, exec *Execution, step Step, input any) {
	for _, dep := range step.Dependencies {
		select {
		case <-exec.futures[dep]:
		case <-exec.abort:
			return
		}
	}
	if exec.aborted() {
		return
	}

	res := s.executor.Run(ctx, step, input, exec.upstream(step.Dependencies))
	if !exec.record(step, res, s.now()) {
		s.logger.Debug("step result discarded", "execution_id", exec.ID, "step_id", step.ID)
		return
	}
	if s.recorder != nil {
		if err := s.recorder.StepFinished(ctx, exec.ID, res); err != nil {
			s.logger.Warn("record step failed", "execution_id", exec.ID, "step_id", step.ID, "error", err)
		}
	}
}
