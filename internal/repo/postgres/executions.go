package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/scriptlens/internal/pipeline"
)

// ExecutionStore is the pipeline execution ledger. It implements pipeline.Recorder.
type ExecutionStore struct {
	db DB
}

type ExecutionRecord struct {
	ID           string
	Status       string
	Progress     float64
	StartedAt    time.Time
	EndedAt      *time.Time
	ErrorMessage string
}

type StepRecord struct {
	ID           string
	ExecutionID  string
	StepID       string
	Success      bool
	Cached       bool
	Source       string
	DurationMs   int64
	ErrorMessage string
	Output       json.RawMessage
	RecordedAt   time.Time
}

const (
	createExecutionsTableQuery = `CREATE TABLE IF NOT EXISTS pipeline_executions (
		execution_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		error_message TEXT
	)`

	createStepResultsTableQuery = `CREATE TABLE IF NOT EXISTS pipeline_step_results (
		step_result_id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES pipeline_executions (execution_id) ON DELETE CASCADE,
		step_id TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		cached BOOLEAN NOT NULL,
		source TEXT,
		duration_ms BIGINT NOT NULL,
		error_message TEXT,
		output JSONB,
		recorded_at TIMESTAMPTZ NOT NULL,
		UNIQUE (execution_id, step_id)
	)`

	insertExecutionQuery = `INSERT INTO pipeline_executions (execution_id, status, progress, started_at)
	 VALUES ($1,$2,$3,$4)
	 ON CONFLICT (execution_id) DO NOTHING`

	finishExecutionQuery = `UPDATE pipeline_executions
	 SET status = $2, progress = GREATEST(progress, $3), ended_at = $4, error_message = $5
	 WHERE execution_id = $1`

	insertStepResultQuery = `INSERT INTO pipeline_step_results (
		step_result_id,
		execution_id,
		step_id,
		success,
		cached,
		source,
		duration_ms,
		error_message,
		output,
		recorded_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (execution_id, step_id) DO NOTHING`

	selectExecutionQuery = `SELECT execution_id, status, progress, started_at, ended_at, error_message
	 FROM pipeline_executions
	 WHERE execution_id = $1`

	listStepResultsQuery = `SELECT step_result_id, execution_id, step_id, success, cached, source, duration_ms, error_message, output, recorded_at
	 FROM pipeline_step_results
	 WHERE execution_id = $1
	 ORDER BY recorded_at ASC, step_id ASC`
)

func NewExecutionStore(db DB) *ExecutionStore {
	if db == nil {
		return nil
	}
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	for _, q := range []string{createExecutionsTableQuery, createStepResultsTableQuery} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

func (s *ExecutionStore) ExecutionStarted(ctx context.Context, snap pipeline.Snapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	id := strings.TrimSpace(snap.ID)
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	_, err := s.db.ExecContext(ctx, insertExecutionQuery, id, string(snap.Status), snap.Progress, normalizeTime(snap.StartedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *ExecutionStore) StepFinished(ctx context.Context, executionID string, res pipeline.StepResult) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return fmt.Errorf("execution id is required")
	}
	if strings.TrimSpace(res.StepID) == "" {
		return fmt.Errorf("step id is required")
	}

	var output []byte
	if res.Success && res.Value != nil {
		raw, err := json.Marshal(res.Value)
		if err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
		output = raw
	}
	var errMsg string
	if res.Err != nil {
		errMsg = res.Err.Error()
	}

	_, err := s.db.ExecContext(
		ctx,
		insertStepResultQuery,
		uuid.NewString(),
		executionID,
		res.StepID,
		res.Success,
		res.Cached,
		nullIfEmpty(string(res.Source)),
		res.Duration.Milliseconds(),
		nullIfEmpty(errMsg),
		output,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}
	return nil
}

// ExecutionFinished stores the terminal status and any step results not yet recorded.
func (s *ExecutionStore) ExecutionFinished(ctx context.Context, snap pipeline.Snapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	var errMsg string
	if snap.Err != nil {
		errMsg = snap.Err.Error()
	}
	if _, err := s.db.ExecContext(ctx, finishExecutionQuery, snap.ID, string(snap.Status), snap.Progress, nullTime(snap.EndedAt), nullIfEmpty(errMsg)); err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	for _, res := range snap.Results {
		if err := s.StepFinished(ctx, snap.ID, res); err != nil {
			return err
		}
	}
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, executionID string) (ExecutionRecord, error) {
	if s == nil || s.db == nil {
		return ExecutionRecord{}, fmt.Errorf("execution store not initialized")
	}
	var record ExecutionRecord
	var endedAt sql.NullTime
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, selectExecutionQuery, strings.TrimSpace(executionID)).Scan(
		&record.ID,
		&record.Status,
		&record.Progress,
		&record.StartedAt,
		&endedAt,
		&errMsg,
	)
	if err != nil {
		return ExecutionRecord{}, handleNotFound(err)
	}
	record.StartedAt = record.StartedAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		record.EndedAt = &t
	}
	record.ErrorMessage = strings.TrimSpace(errMsg.String)
	return record, nil
}

func (s *ExecutionStore) ListSteps(ctx context.Context, executionID string) ([]StepRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("execution store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listStepResultsQuery, strings.TrimSpace(executionID))
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	records := make([]StepRecord, 0)
	for rows.Next() {
		record, err := scanStepRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	return records, nil
}

type stepScanner interface {
	Scan(dest ...any) error
}

func scanStepRecord(scanner stepScanner) (StepRecord, error) {
	var record StepRecord
	var source, errMsg sql.NullString
	var output []byte
	if err := scanner.Scan(
		&record.ID,
		&record.ExecutionID,
		&record.StepID,
		&record.Success,
		&record.Cached,
		&source,
		&record.DurationMs,
		&errMsg,
		&output,
		&record.RecordedAt,
	); err != nil {
		return StepRecord{}, handleNotFound(err)
	}
	record.Source = source.String
	record.ErrorMessage = strings.TrimSpace(errMsg.String)
	if len(output) > 0 {
		record.Output = json.RawMessage(output)
	}
	record.RecordedAt = record.RecordedAt.UTC()
	return record, nil
}
