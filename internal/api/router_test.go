package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"evidence-pipeline/internal/api/handler"
	"evidence-pipeline/internal/app"
	"evidence-pipeline/internal/model"
	"evidence-pipeline/internal/store"
	"evidence-pipeline/pkg/router"
	"evidence-pipeline/pkg/utils"
)

type noRunner struct{}

func (noRunner) RunBatch(context.Context) (*app.Report, error) {
	return nil, context.Canceled
}

func TestRegisterRoutes(t *testing.T) {
	t.Parallel()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open returned error: %v", err)
	}
	defer st.Close()
	res := &model.PipelineResult{RunMetadata: model.RunMetadata{RunContext: model.RunContext{RunID: "run-1"}}}
	if err := st.SaveResult(context.Background(), res); err != nil {
		t.Fatalf("SaveResult returned error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := router.New(logger)
	RegisterRoutes(r, handler.New(noRunner{}, st, utils.NewOutputManager(t.TempDir()), logger))

	tests := []struct {
		method, path string
		status       int
		contains     string
	}{
		{http.MethodGet, "/api/v1/runs", http.StatusOK, `"id":"run-1"`},
		{http.MethodGet, "/api/v1/runs/run-1", http.StatusOK, `"id":"run-1"`},
		{http.MethodGet, "/api/v1/runs/run-1/findings", http.StatusOK, `"count":0`},
		{http.MethodGet, "/api/v1/runs/run-1/suggestions", http.StatusOK, "No major issues"},
		{http.MethodPost, "/api/v1/runs", http.StatusInternalServerError, ""},
		{http.MethodDelete, "/api/v1/runs/run-1", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/swagger/doc.json", http.StatusOK, "Evidence Pipeline API"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.status {
			t.Fatalf("%s %s: expected %d, got %d: %s", tt.method, tt.path, tt.status, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), tt.contains) {
			t.Fatalf("%s %s: body %q lacks %q", tt.method, tt.path, rec.Body.String(), tt.contains)
		}
	}
}
