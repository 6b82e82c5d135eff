package stations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/scriptlens/internal/pipeline"
	"github.com/animus-labs/scriptlens/internal/textgen"
)

// ErrEmptyScript is returned for blank input.
var ErrEmptyScript = errors.New("stations: script is empty")

type Options struct {
	Defaults  Settings
	Overrides map[int]Override
	Logger    *slog.Logger
	Now       func() time.Time
}

type Runner struct {
	scheduler *pipeline.Scheduler
	generator textgen.Generator
	stations  []Station
	settings  map[int]Settings
	logger    *slog.Logger
	now       func() time.Time
}

func NewRunner(scheduler *pipeline.Scheduler, generator textgen.Generator, opts Options) *Runner {
	if opts.Defaults == (Settings{}) {
		opts.Defaults = DefaultSettings()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	catalog := Catalog()
	settings := make(map[int]Settings, len(catalog))
	for _, st := range catalog {
		settings[st.Number] = opts.Defaults.Apply(opts.Overrides[st.Number])
	}
	return &Runner{
		scheduler: scheduler,
		generator: generator,
		stations:  catalog,
		settings:  settings,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Settings returns the effective settings of a station.
func (r *Runner) Settings(station int) Settings {
	return r.settings[station]
}

// Steps builds the pipeline graph for the stations.
func (r *Runner) Steps() []pipeline.Step {
	steps := make([]pipeline.Step, 0, len(r.stations))
	for _, st := range r.stations {
		set := r.settings[st.Number]
		deps := make([]string, 0, len(st.Dependencies))
		for _, d := range st.Dependencies {
			deps = append(deps, strconv.Itoa(d))
		}
		steps = append(steps, pipeline.Step{
			ID:                   st.ID(),
			Name:                 st.Name,
			Dependencies:         deps,
			TTL:                  set.TTL,
			Timeout:              set.Timeout,
			StaleWhileRevalidate: set.StaleWhileRevalidate,
			StaleTTL:             set.StaleTTL,
			Compute:              r.compute(st),
		})
	}
	return steps
}

func (r *Runner) compute(st Station) pipeline.ComputeFunc {
	return func(ctx context.Context, input any, upstream map[string]any) (any, error) {
		script, _ := input.(string)
		prior := make(map[int]string, len(upstream))
		for id, v := range upstream {
			n, err := strconv.Atoi(id)
			if err != nil {
				return nil, fmt.Errorf("unexpected upstream step %q", id)
			}
			prior[n] = asText(v)
		}
		return r.generator.Generate(ctx, st.prompt(script, prior))
	}
}

// Run analyses script through all stations. Any station failure fails the run with a
// *StationError and no outputs.
func (r *Runner) Run(ctx context.Context, script string) (Report, error) {
	if strings.TrimSpace(script) == "" {
		return Report{}, ErrEmptyScript
	}
	started := r.now()
	exec, err := r.scheduler.Run(ctx, r.Steps(), script)
	finished := r.now()
	if err != nil {
		var failure *pipeline.StepFailureError
		if errors.As(err, &failure) {
			n, _ := strconv.Atoi(failure.StepID)
			r.logger.Warn("analysis failed", "station", n, "station_name", failure.Name, "error", failure.Err)
			serr := &StationError{Station: n, Name: failure.Name, Err: failure.Err}
			if exec != nil {
				serr.ExecutionID = exec.ID
			}
			return Report{}, serr
		}
		return Report{}, fmt.Errorf("run stations: %w", err)
	}

	results := exec.Results()
	report := Report{
		StationOutputs: make(map[int]string, len(results)),
		PipelineMetadata: Metadata{
			ExecutionID:        exec.ID,
			StartedAt:          started.UTC(),
			FinishedAt:         finished.UTC(),
			TotalExecutionTime: finished.Sub(started).Milliseconds(),
		},
	}
	for id, res := range results {
		n, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		report.StationOutputs[n] = asText(res.Value)
		report.PipelineMetadata.StationsCompleted++
		if res.Cached {
			report.PipelineMetadata.CachedStations++
		}
	}
	r.logger.Info("analysis completed",
		"execution_id", exec.ID,
		"stations_completed", report.PipelineMetadata.StationsCompleted,
		"cached_stations", report.PipelineMetadata.CachedStations,
		"duration_ms", report.PipelineMetadata.TotalExecutionTime,
	)
	return report, nil
}

func asText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
