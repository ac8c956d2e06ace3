package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"evidence-pipeline/internal/app"
	"evidence-pipeline/internal/diagnose"
	"evidence-pipeline/internal/model"
	"evidence-pipeline/internal/pipeline"
	"evidence-pipeline/internal/store"
	"evidence-pipeline/pkg/utils"
)

// Runner triggers a batch run.
type Runner interface {
	RunBatch(ctx context.Context) (*app.Report, error)
}

// RunReader reads persisted runs.
type RunReader interface {
	ListRuns(ctx context.Context) ([]store.Run, error)
	GetRun(ctx context.Context, id string) (store.Run, error)
	Findings(ctx context.Context, runID string, f store.FindingFilter) ([]model.Finding, error)
	Indicators(ctx context.Context, runID string, f store.IndicatorFilter) ([]model.IndicatorValue, error)
	Records(ctx context.Context, runID string, limit, offset uint64) ([]model.CanonicalRecord, error)
	StageEvents(ctx context.Context, runID string) ([]model.StageMetrics, error)
}

var _ RunReader = (*store.Store)(nil)

// Handler serves the run API.
type Handler struct {
	runner Runner
	runs   RunReader
	output *utils.OutputManager
	logger *slog.Logger
}

func New(runner Runner, runs RunReader, output *utils.OutputManager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{runner: runner, runs: runs, output: output, logger: logger.With("component", "api")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// runID extracts the id from /api/v1/runs/{id}[/...].
func runID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

func queryUint(r *http.Request, name string) (uint64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// requireRun resolves the run id of the request and writes the error
// response itself when the run cannot be served.
func (h *Handler) requireRun(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := runID(r.URL.Path)
	if id == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return "", false
	}
	if _, err := h.runs.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
		} else {
			h.logger.Error("get run failed", "run_id", id, "error", err)
			http.Error(w, "Failed to retrieve run", http.StatusInternalServerError)
		}
		return "", false
	}
	return id, true
}

// CreateRun runs the configured batch
// @Summary Run the batch
// @Description Ingest the configured sources, run harmonization, validation and indicators, export and persist the result
// @Tags runs
// @Produce json
// @Success 200 {object} map[string]interface{} "Run completed"
// @Failure 422 {string} string "Configuration error"
// @Failure 500 {string} string "Run failed"
// @Router /runs [post]
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	report, err := h.runner.RunBatch(r.Context())
	if err != nil {
		h.logger.Error("run failed", "error", err)
		status := http.StatusInternalServerError
		if pipeline.IsFatal(err) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}

	meta := report.Result.RunMetadata
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":          "Run completed",
		"run_id":           meta.RunID,
		"registry_version": meta.RegistryVersion,
		"started_at":       meta.Timestamp,
		"duration":         meta.Duration.String(),
		"summary":          meta.Summary,
		"exports":          report.Exports,
		"suggestions":      report.Suggestions,
	})
}

// ListRuns lists persisted runs
// @Summary List runs
// @Description List all persisted runs, newest first
// @Tags runs
// @Produce json
// @Success 200 {array} store.Run "Runs"
// @Failure 500 {string} string "Internal server error"
// @Router /runs [get]
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRuns(r.Context())
	if err != nil {
		h.logger.Error("list runs failed", "error", err)
		http.Error(w, "Failed to fetch runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one run summary
// @Summary Get run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} store.Run "Run"
// @Failure 404 {string} string "Run not found"
// @Router /runs/{id} [get]
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := runID(r.URL.Path)
	run, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("get run failed", "run_id", id, "error", err)
		http.Error(w, "Failed to retrieve run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunFindings returns the findings of a run
// @Summary Get run findings
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Param severity query string false "info, warning or error"
// @Param rule_id query string false "Rule ID"
// @Param stage query string false "harmonize, validate or indicator"
// @Param limit query int false "Maximum number of findings"
// @Success 200 {object} map[string]interface{} "Findings"
// @Failure 400 {string} string "Invalid query"
// @Failure 404 {string} string "Run not found"
// @Router /runs/{id}/findings [get]
func (h *Handler) GetRunFindings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRun(w, r)
	if !ok {
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	severity := q.Get("severity")
	if severity != "" && !model.Severity(severity).Valid() {
		http.Error(w, fmt.Sprintf("unknown severity %q", severity), http.StatusBadRequest)
		return
	}

	findings, err := h.runs.Findings(r.Context(), id, store.FindingFilter{
		Severity: severity,
		RuleID:   q.Get("rule_id"),
		Stage:    q.Get("stage"),
		Limit:    limit,
	})
	if err != nil {
		h.logger.Error("get findings failed", "run_id", id, "error", err)
		http.Error(w, "Failed to retrieve findings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":   id,
		"findings": findings,
		"count":    len(findings),
	})
}

// GetRunIndicators returns the indicator values of a run
// @Summary Get run indicator values
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Param name query string false "Indicator name"
// @Param confidence query string false "ok, degraded or unavailable"
// @Success 200 {object} map[string]interface{} "Indicator values"
// @Failure 404 {string} string "Run not found"
// @Router /runs/{id}/indicators [get]
func (h *Handler) GetRunIndicators(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRun(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	values, err := h.runs.Indicators(r.Context(), id, store.IndicatorFilter{
		Name:       q.Get("name"),
		Confidence: q.Get("confidence"),
	})
	if err != nil {
		h.logger.Error("get indicators failed", "run_id", id, "error", err)
		http.Error(w, "Failed to retrieve indicator values", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":           id,
		"indicator_values": values,
		"count":            len(values),
	})
}

// GetRunRecords returns canonical records of a run
// @Summary Get run records
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Param limit query int false "Page size (default: all)"
// @Param offset query int false "Page offset"
// @Success 200 {object} map[string]interface{} "Canonical records"
// @Failure 400 {string} string "Invalid query"
// @Failure 404 {string} string "Run not found"
// @Router /runs/{id}/records [get]
func (h *Handler) GetRunRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRun(w, r)
	if !ok {
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := queryUint(r, "offset")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	records, err := h.runs.Records(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("get records failed", "run_id", id, "error", err)
		http.Error(w, "Failed to retrieve records", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  id,
		"records": records,
		"count":   len(records),
		"limit":   limit,
		"offset":  offset,
	})
}

// GetRunEvents returns the stage events of a run
// @Summary Get run stage events
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Stage events"
// @Failure 404 {string} string "Run not found"
// @Router /runs/{id}/events [get]
func (h *Handler) GetRunEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRun(w, r)
	if !ok {
		return
	}
	events, err := h.runs.StageEvents(r.Context(), id)
	if err != nil {
		h.logger.Error("get events failed", "run_id", id, "error", err)
		http.Error(w, "Failed to retrieve events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": id,
		"events": events,
		"count":  len(events),
	})
}

// GetRunSuggestions returns remediation actions for the findings of a run
// @Summary Get suggested actions
// @Description Group the findings of a run by rule and suggest a remediation for each
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Suggested actions"
// @Failure 404 {string} string "Run not found"
// @Router /runs/{id}/suggestions [get]
func (h *Handler) GetRunSuggestions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRun(w, r)
	if !ok {
		return
	}
	findings, err := h.runs.Findings(r.Context(), id, store.FindingFilter{})
	if err != nil {
		h.logger.Error("get findings failed", "run_id", id, "error", err)
		http.Error(w, "Failed to retrieve findings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":      id,
		"suggestions": diagnose.Suggest(findings),
	})
}

// DownloadFile serves a file for download
// @Summary Download file
// @Description Download an exported file of a run
// @Tags files
// @Produce application/octet-stream
// @Param id path string true "Run ID"
// @Param filename path string true "File name"
// @Success 200 {file} file "File download"
// @Failure 400 {string} string "Invalid URL format"
// @Failure 404 {string} string "File not found"
// @Router /download/{id}/{filename} [get]
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	// URL format: /api/v1/download/runID/filename
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) != 5 {
		http.Error(w, "Invalid URL format", http.StatusBadRequest)
		return
	}
	id, fileName := pathParts[3], pathParts[4]

	filePath, err := h.output.LookupFile(id, fileName)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", fileName))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, filePath)
}
