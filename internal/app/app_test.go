package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"evidence-pipeline/internal/config"
	"evidence-pipeline/internal/export"
	"evidence-pipeline/internal/model"
	"evidence-pipeline/internal/pipeline"
	"evidence-pipeline/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("../../configs/pipeline.yaml")
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}
	cfg.Export.OutputDir = t.TempDir()
	return cfg
}

func TestRunBatchOnSampleData(t *testing.T) {
	t.Parallel()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open returned error: %v", err)
	}
	defer st.Close()

	cfg := sampleConfig(t)
	a, err := New(cfg, st, quietLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	report, err := a.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}

	res := report.Result
	if len(res.CanonicalRecords) != 13 {
		t.Fatalf("expected 13 canonical records, got %d", len(res.CanonicalRecords))
	}
	conf := map[model.Confidence]int{}
	for _, v := range res.Indicator("co2_per_capita") {
		conf[v.Confidence]++
	}
	if conf[model.ConfidenceOK] != 4 || conf[model.ConfidenceDegraded] != 1 || conf[model.ConfidenceUnavailable] != 2 {
		t.Fatalf("unexpected co2_per_capita confidences %v", conf)
	}

	for _, e := range report.Exports {
		if !e.Success {
			t.Fatalf("export %s failed: %s", e.Path, e.Error)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.Export.OutputDir, res.RunMetadata.RunID, export.ReportFile)); err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if len(report.Suggestions) == 0 || report.Suggestions[0].Severity != model.SeverityError {
		t.Fatalf("expected error-level suggestions first, got %+v", report.Suggestions)
	}

	ctx := context.Background()
	run, err := st.GetRun(ctx, res.RunMetadata.RunID)
	if err != nil || run.Records != 13 {
		t.Fatalf("run not persisted: %+v, %v", run, err)
	}
	events, err := st.StageEvents(ctx, res.RunMetadata.RunID)
	if err != nil || len(events) != 3 {
		t.Fatalf("expected 3 stage events, got %d (%v)", len(events), err)
	}
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	t.Parallel()

	cfg := sampleConfig(t)
	cfg.Indicators = append(cfg.Indicators, model.IndicatorDefinition{
		Name: "loop", Inputs: []string{"loop"}, Compute: "scale", AggregationLevel: []string{"region", "year"},
	})
	if _, err := New(cfg, nil, quietLogger()); !pipeline.IsFatal(err) {
		t.Fatalf("expected a fatal configuration error, got %v", err)
	}

	cfg = sampleConfig(t)
	cfg.Sources[0].Fields["region"] = model.FieldMapping{Column: "Nope"}
	if _, err := New(cfg, nil, quietLogger()); !pipeline.IsFatal(err) {
		t.Fatalf("expected a fatal mapping error, got %v", err)
	}
}

func TestRunBatchWithoutStore(t *testing.T) {
	t.Parallel()

	a, err := New(sampleConfig(t), nil, quietLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if a.Store() != nil {
		t.Fatalf("expected no store")
	}
	if _, err := a.RunBatch(context.Background()); err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}
}
