package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/scriptlens/internal/cache"
	"github.com/animus-labs/scriptlens/internal/platform/auditlog"
	"github.com/animus-labs/scriptlens/internal/platform/httpserver"
	"github.com/animus-labs/scriptlens/internal/platform/requestid"
	repopg "github.com/animus-labs/scriptlens/internal/repo/postgres"
	"github.com/animus-labs/scriptlens/internal/stations"
)

const maxRequestBytes = 4 << 20

type analyzer interface {
	Run(ctx context.Context, script string) (stations.Report, error)
}

type cacheAdmin interface {
	Stats() cache.Stats
	ResetMetrics()
	Clear(ctx context.Context)
	Delete(ctx context.Context, key string)
}

type executionReader interface {
	Get(ctx context.Context, executionID string) (repopg.ExecutionRecord, error)
	ListSteps(ctx context.Context, executionID string) ([]repopg.StepRecord, error)
}

type auditFunc func(ctx context.Context, event auditlog.Event) error

type scriptlensAPI struct {
	logger   *slog.Logger
	analyzer analyzer
	cache    cacheAdmin
	ledger   executionReader
	audit    auditFunc
}

func (api *scriptlensAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/analyses", api.handleCreateAnalysis)
	mux.HandleFunc("GET /v1/analyses/{execution_id}", api.handleGetAnalysis)

	mux.HandleFunc("GET /v1/cache/stats", api.handleCacheStats)
	mux.HandleFunc("DELETE /v1/cache", api.handleClearCache)
	mux.HandleFunc("POST /v1/cache/metrics/reset", api.handleResetMetrics)
	mux.HandleFunc("DELETE /v1/cache/entries/{key}", api.handleDeleteEntry)
}

type createAnalysisRequest struct {
	Script string `json:"script"`
}

func (api *scriptlensAPI) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	var req createAnalysisRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "script_required", nil)
		return
	}

	report, err := api.analyzer.Run(r.Context(), req.Script)
	if err != nil {
		var serr *stations.StationError
		switch {
		case errors.As(err, &serr):
			api.record(r, auditlog.ActionAnalysisFailed, serr.ExecutionID, map[string]any{
				"station":      serr.Station,
				"station_name": serr.Name,
				"error":        serr.Err.Error(),
			})
			httpserver.WriteError(w, r, http.StatusBadGateway, "station_failed", map[string]any{
				"station":      serr.Station,
				"station_name": serr.Name,
				"execution_id": serr.ExecutionID,
			})
		case errors.Is(err, stations.ErrEmptyScript):
			httpserver.WriteError(w, r, http.StatusBadRequest, "script_required", nil)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			httpserver.WriteError(w, r, http.StatusServiceUnavailable, "analysis_cancelled", nil)
		default:
			api.logger.Error("analysis failed", "error", err)
			httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		}
		return
	}

	meta := report.PipelineMetadata
	api.record(r, auditlog.ActionAnalysisCompleted, meta.ExecutionID, map[string]any{
		"stations_completed": meta.StationsCompleted,
		"cached_stations":    meta.CachedStations,
		"duration_ms":        meta.TotalExecutionTime,
	})
	httpserver.WriteJSON(w, http.StatusOK, report)
}

type analysisResponse struct {
	ExecutionID string              `json:"execution_id"`
	Status      string              `json:"status"`
	Progress    float64             `json:"progress"`
	StartedAt   time.Time           `json:"started_at"`
	EndedAt     *time.Time          `json:"ended_at,omitempty"`
	Error       string              `json:"error,omitempty"`
	Steps       []analysisStepEntry `json:"steps"`
}

type analysisStepEntry struct {
	StepID     string          `json:"step_id"`
	Success    bool            `json:"success"`
	Cached     bool            `json:"cached"`
	Source     string          `json:"source,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

func (api *scriptlensAPI) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	if api.ledger == nil {
		httpserver.WriteError(w, r, http.StatusNotImplemented, "ledger_disabled", nil)
		return
	}
	id := strings.TrimSpace(r.PathValue("execution_id"))
	record, err := api.ledger.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repopg.ErrNotFound) {
			httpserver.WriteError(w, r, http.StatusNotFound, "not_found", nil)
			return
		}
		api.logger.Error("load execution failed", "execution_id", id, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	steps, err := api.ledger.ListSteps(r.Context(), id)
	if err != nil {
		api.logger.Error("load execution steps failed", "execution_id", id, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}

	resp := analysisResponse{
		ExecutionID: record.ID,
		Status:      record.Status,
		Progress:    record.Progress,
		StartedAt:   record.StartedAt,
		EndedAt:     record.EndedAt,
		Error:       record.ErrorMessage,
		Steps:       make([]analysisStepEntry, 0, len(steps)),
	}
	for _, s := range steps {
		resp.Steps = append(resp.Steps, analysisStepEntry{
			StepID:     s.StepID,
			Success:    s.Success,
			Cached:     s.Cached,
			Source:     s.Source,
			DurationMs: s.DurationMs,
			Error:      s.ErrorMessage,
			Output:     s.Output,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func (api *scriptlensAPI) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, api.cache.Stats())
}

func (api *scriptlensAPI) handleClearCache(w http.ResponseWriter, r *http.Request) {
	api.cache.Clear(r.Context())
	api.record(r, auditlog.ActionCacheCleared, "all", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (api *scriptlensAPI) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	api.cache.ResetMetrics()
	httpserver.WriteJSON(w, http.StatusOK, api.cache.Stats())
}

func (api *scriptlensAPI) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "key_required", nil)
		return
	}
	api.cache.Delete(r.Context(), key)
	w.WriteHeader(http.StatusNoContent)
}

// record writes an audit event. Failures are logged and never reach the client.
func (api *scriptlensAPI) record(r *http.Request, action, resourceID string, payload map[string]any) {
	if api.audit == nil {
		return
	}
	if strings.TrimSpace(resourceID) == "" {
		resourceID = "unknown"
	}
	reqID, _ := requestid.FromContext(r.Context())
	event := auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        "scriptlens",
		Action:       action,
		ResourceType: "pipeline_execution",
		ResourceID:   resourceID,
		RequestID:    reqID,
		Payload:      payload,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 750*time.Millisecond)
	defer cancel()
	if err := api.audit(ctx, event); err != nil {
		api.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}
