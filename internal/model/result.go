package model

import "time"

// RunContext is threaded through every stage of one run.
type RunContext struct {
	RunID           string    `json:"run_id"`
	Timestamp       time.Time `json:"timestamp"`
	RegistryVersion string    `json:"registry_version"`
}

// StageMetrics tracks one pipeline stage.
type StageMetrics struct {
	Stage       string        `json:"stage"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	RecordsIn   int           `json:"records_in"`
	RecordsOut  int           `json:"records_out"`
	Findings    int           `json:"findings"`
	WorkerCount int           `json:"worker_count"`
}

// RunSummary counts what a run produced.
type RunSummary struct {
	Tables             int                `json:"tables"`
	RawRows            int                `json:"raw_rows"`
	Records            int                `json:"records"`
	ExcludedRows       int                `json:"excluded_rows"`
	FindingsBySev      map[Severity]int   `json:"findings_by_severity"`
	IndicatorValues    int                `json:"indicator_values"`
	ValuesByConfidence map[Confidence]int `json:"values_by_confidence"`
}

// RunMetadata describes a run for reporting.
type RunMetadata struct {
	RunContext
	Stages   []StageMetrics `json:"stages"`
	Summary  RunSummary     `json:"summary"`
	Duration time.Duration  `json:"duration"`
}

// PipelineResult is the terminal output of one run. It is built once by the
// orchestrator and consumed read-only by reporting.
type PipelineResult struct {
	CanonicalRecords []CanonicalRecord `json:"canonical_records"`
	Findings         []Finding         `json:"findings"`
	IndicatorValues  []IndicatorValue  `json:"indicator_values"`
	RunMetadata      RunMetadata       `json:"run_metadata"`
}

// FindingsFor returns the findings attached to one record.
func (r *PipelineResult) FindingsFor(recordRef string) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.RecordRef == recordRef {
			out = append(out, f)
		}
	}
	return out
}

// Indicator returns the values of one indicator in key order.
func (r *PipelineResult) Indicator(name string) []IndicatorValue {
	var out []IndicatorValue
	for _, v := range r.IndicatorValues {
		if v.Indicator == name {
			out = append(out, v)
		}
	}
	return out
}
