package pipeline

import (
	"maps"
	"sync"
	"time"
)

// Execution is one run of a step graph. It is safe for concurrent use.
type Execution struct {
	ID    string
	Steps []Step

	mu        sync.Mutex
	status    Status
	progress  float64
	results   map[string]StepResult
	resolved  int
	err       error
	startedAt time.Time
	endedAt   time.Time

	futures  map[string]chan struct{}
	abort    chan struct{}
	finished chan struct{}
	settled  chan struct{}
	onFinish func(*Execution)
	once     sync.Once
	now      func() time.Time
}

// Snapshot is a point-in-time copy of an Execution.
type Snapshot struct {
	ID        string
	Status    Status
	Progress  float64
	Results   map[string]StepResult
	StartedAt time.Time
	EndedAt   time.Time
	Err       error
}

func newExecution(id string, steps []Step, now func() time.Time) *Execution {
	futures := make(map[string]chan struct{}, len(steps))
	for _, step := range steps {
		futures[step.ID] = make(chan struct{})
	}
	return &Execution{
		ID:       id,
		Steps:    steps,
		status:   StatusPending,
		results:  make(map[string]StepResult, len(steps)),
		futures:  futures,
		abort:    make(chan struct{}),
		finished: make(chan struct{}),
		settled:  make(chan struct{}),
		now:      now,
	}
}

func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Progress is the share of resolved steps, 0 to 100. It never decreases.
func (e *Execution) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Results returns the recorded step results. Results of steps that finished after the
// execution ended are not included.
func (e *Execution) Results() map[string]StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.results)
}

func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Execution) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Execution) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        e.ID,
		Status:    e.status,
		Progress:  e.progress,
		Results:   maps.Clone(e.results),
		StartedAt: e.startedAt,
		EndedAt:   e.endedAt,
		Err:       e.err,
	}
}

// Done is closed once the execution reaches a terminal status.
func (e *Execution) Done() <-chan struct{} {
	return e.finished
}

// Wait blocks until the execution is terminal and returns its error. Steps still running
// at that point are not waited for; see Settle.
func (e *Execution) Wait() error {
	<-e.finished
	return e.Err()
}

// Settle blocks until every step goroutine has returned.
func (e *Execution) Settle() {
	<-e.settled
}

// Cancel stops dispatch of steps that have not started. Started steps run to completion
// and their results are discarded.
func (e *Execution) Cancel() {
	e.stop(StatusCancelled, ErrCancelled, e.now())
}

func (e *Execution) start(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if CanTransition(e.status, StatusRunning) {
		e.status = StatusRunning
		e.startedAt = at
	}
}

func (e *Execution) stop(status Status, err error, at time.Time) {
	e.mu.Lock()
	if e.status.Terminal() || !CanTransition(e.status, status) {
		e.mu.Unlock()
		return
	}
	e.status = status
	e.err = err
	e.endedAt = at
	close(e.abort)
	e.mu.Unlock()
	e.finish()
}

// record stores a step result. It reports false when the execution had already ended
// and the result was discarded.
func (e *Execution) record(step Step, res StepResult, at time.Time) bool {
	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		return false
	}
	e.results[step.ID] = res
	e.resolved++
	e.progress = float64(e.resolved) / float64(len(e.Steps)) * 100

	terminal := false
	switch {
	case !res.Success:
		e.status = StatusFailed
		e.err = &StepFailureError{StepID: step.ID, Name: step.Name, Err: res.Err}
		e.endedAt = at
		close(e.abort)
		terminal = true
	default:
		close(e.futures[step.ID])
		if e.resolved == len(e.Steps) {
			e.status = StatusCompleted
			e.endedAt = at
			terminal = true
		}
	}
	e.mu.Unlock()
	if terminal {
		e.finish()
	}
	return true
}

func (e *Execution) finish() {
	e.once.Do(func() {
		if e.onFinish != nil {
			e.onFinish(e)
		}
		close(e.finished)
	})
}

// upstream collects the values of deps. Callers only invoke it once every dep resolved.
func (e *Execution) upstream(deps []string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	values := make(map[string]any, len(deps))
	for _, dep := range deps {
		values[dep] = e.results[dep].Value
	}
	return values
}

func (e *Execution) aborted() bool {
	select {
	case <-e.abort:
		return true
	default:
		return false
	}
}
