package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"evidence-pipeline/internal/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(id string, at time.Time) *model.PipelineResult {
	v := 1.5
	return &model.PipelineResult{
		CanonicalRecords: []model.CanonicalRecord{
			{
				Ref: "emissions/2022-06-30#0", SourceID: "emissions", RowIndex: 0,
				Values:     map[string]any{"region": "E06000001", "year": 2020.0, "co2_tonnes": 1500.0},
				Provenance: map[string]model.Provenance{"co2_tonnes": {SourceID: "emissions", RawColumn: "CO2 (kt)", RawValue: "1.5"}},
			},
			{
				Ref: "population/2022-06-30#0", SourceID: "population", RowIndex: 0,
				Values: map[string]any{"region": "E06000001", "year": 2020.0, "pop_count": nil},
			},
		},
		Findings: []model.Finding{
			{ID: "validate-0001", Stage: model.StageValidate, Severity: model.SeverityError, RuleID: model.RuleMissingRequired, RecordRef: "population/2022-06-30#0", Field: "pop_count", Message: "required field pop_count is blank", DetectedValue: ".."},
			{ID: "validate-0002", Stage: model.StageValidate, Severity: model.SeverityWarning, RuleID: model.RuleReference, Message: "rule skipped: no reference lists configured"},
			{ID: "indicator-0001", Stage: model.StageIndicator, Severity: model.SeverityWarning, RuleID: model.RuleIndicatorUnavailable, RecordRef: "per_capita@E06000002|2020", Field: "per_capita"},
		},
		IndicatorValues: []model.IndicatorValue{
			{Indicator: "per_capita", Key: map[string]string{"region": "E06000001", "year": "2020"}, KeyOrder: []string{"region", "year"}, Value: &v, Confidence: model.ConfidenceOK},
			{Indicator: "per_capita", Key: map[string]string{"region": "E06000002", "year": "2020"}, KeyOrder: []string{"region", "year"}, Confidence: model.ConfidenceUnavailable, ContributingFindings: []string{"indicator-0001"}},
		},
		RunMetadata: model.RunMetadata{
			RunContext: model.RunContext{RunID: id, Timestamp: at, RegistryVersion: "2024.1@0a1b2c3d"},
			Summary:    model.RunSummary{Tables: 2, RawRows: 2, Records: 2, FindingsBySev: map[model.Severity]int{model.SeverityError: 1}},
			Duration:   1500 * time.Millisecond,
		},
	}
}

func TestSaveAndReadRun(t *testing.T) {
	t.Parallel()

	s := openTest(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SaveResult(ctx, sampleResult("run-1", at)); err != nil {
		t.Fatalf("SaveResult returned error: %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun returned error: %v", err)
	}
	if !run.StartedAt.Equal(at) || run.Duration != 1500*time.Millisecond || run.Findings != 3 || run.Summary.Tables != 2 {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Summary.FindingsBySev[model.SeverityError] != 1 {
		t.Fatalf("summary not round-tripped: %+v", run.Summary)
	}

	findings, err := s.Findings(ctx, "run-1", FindingFilter{})
	if err != nil {
		t.Fatalf("Findings returned error: %v", err)
	}
	if len(findings) != 3 || findings[0].ID != "validate-0001" || findings[2].ID != "indicator-0001" {
		t.Fatalf("findings not in emission order: %+v", findings)
	}
	if findings[0].DetectedValue != ".." || findings[1].DetectedValue != nil {
		t.Fatalf("detected values not restored: %#v %#v", findings[0].DetectedValue, findings[1].DetectedValue)
	}

	values, err := s.Indicators(ctx, "run-1", IndicatorFilter{})
	if err != nil {
		t.Fatalf("Indicators returned error: %v", err)
	}
	if len(values) != 2 || values[0].Value == nil || *values[0].Value != 1.5 || values[1].Value != nil {
		t.Fatalf("unexpected values %+v", values)
	}
	if values[1].KeyString() != "E06000002|2020" || len(values[1].ContributingFindings) != 1 {
		t.Fatalf("key or contributing findings lost: %+v", values[1])
	}

	records, err := s.Records(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("Records returned error: %v", err)
	}
	if len(records) != 2 || records[0].Values["co2_tonnes"] != 1500.0 || records[0].Provenance["co2_tonnes"].RawColumn != "CO2 (kt)" {
		t.Fatalf("unexpected records %+v", records)
	}
	if v, carried := records[1].Values["pop_count"]; !carried || v != nil {
		t.Fatalf("explicit null lost: %#v", records[1].Values)
	}
	page, _ := s.Records(ctx, "run-1", 1, 1)
	if len(page) != 1 || page[0].SourceID != "population" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestFilters(t *testing.T) {
	t.Parallel()

	s := openTest(t)
	ctx := context.Background()
	if err := s.SaveResult(ctx, sampleResult("run-1", time.Now())); err != nil {
		t.Fatalf("SaveResult returned error: %v", err)
	}

	tests := []struct {
		name   string
		filter FindingFilter
		want   int
	}{
		{"all", FindingFilter{}, 3},
		{"severity", FindingFilter{Severity: "warning"}, 2},
		{"rule", FindingFilter{RuleID: model.RuleMissingRequired}, 1},
		{"stage", FindingFilter{Stage: model.StageIndicator}, 1},
		{"combined", FindingFilter{Severity: "error", RuleID: model.RuleReference}, 0},
		{"limit", FindingFilter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		got, err := s.Findings(ctx, "run-1", tt.filter)
		if err != nil {
			t.Fatalf("%s: Findings returned error: %v", tt.name, err)
		}
		if len(got) != tt.want {
			t.Fatalf("%s: got %d findings, want %d", tt.name, len(got), tt.want)
		}
	}

	unavailable, err := s.Indicators(ctx, "run-1", IndicatorFilter{Name: "per_capita", Confidence: "unavailable"})
	if err != nil || len(unavailable) != 1 {
		t.Fatalf("confidence filter returned %+v, %v", unavailable, err)
	}
	none, _ := s.Indicators(ctx, "run-1", IndicatorFilter{Name: "other"})
	if len(none) != 0 {
		t.Fatalf("name filter returned %+v", none)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()

	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		if err := s.SaveResult(ctx, sampleResult(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("SaveResult returned error: %v", err)
		}
	}
	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns returned error: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "new" {
		t.Fatalf("unexpected run order %+v", runs)
	}

	if err := s.SaveResult(ctx, sampleResult("new", base)); err == nil {
		t.Fatalf("saving a run twice should fail")
	}
	if runs, _ := s.ListRuns(ctx); len(runs) != 2 {
		t.Fatalf("failed save left partial data: %d runs", len(runs))
	}
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	_, err := openTest(t).GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStageEvents(t *testing.T) {
	t.Parallel()

	s := openTest(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res := sampleResult("run-1", start)
	for i, stage := range []string{model.StageHarmonize, model.StageValidate} {
		res.RunMetadata.Stages = append(res.RunMetadata.Stages, model.StageMetrics{
			Stage:       stage,
			StartTime:   start.Add(time.Duration(i) * time.Second),
			EndTime:     start.Add(time.Duration(i+1) * time.Second),
			Duration:    time.Second,
			RecordsIn:   10,
			RecordsOut:  9,
			Findings:    i,
			WorkerCount: 4,
		})
	}
	if err := s.SaveResult(ctx, res); err != nil {
		t.Fatalf("SaveResult returned error: %v", err)
	}

	events, err := s.StageEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("StageEvents returned error: %v", err)
	}
	if len(events) != 2 || events[1].Stage != model.StageValidate || events[0].Duration != time.Second || !events[1].EndTime.Equal(start.Add(2*time.Second)) {
		t.Fatalf("unexpected events %+v", events)
	}

	// A rejected save leaves no stage events behind.
	if err := s.SaveResult(ctx, res); err == nil {
		t.Fatalf("saving run-1 twice should fail")
	}
	if events, _ := s.StageEvents(ctx, "run-1"); len(events) != 2 {
		t.Fatalf("failed save wrote stage events: %+v", events)
	}
	if events, _ := s.StageEvents(ctx, "never-saved"); len(events) != 0 {
		t.Fatalf("unexpected events for an unsaved run: %+v", events)
	}
}
