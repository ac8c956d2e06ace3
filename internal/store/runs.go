package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"evidence-pipeline/internal/model"
)

// Run is the stored summary of one pipeline run.
type Run struct {
	ID              string           `json:"id"`
	RegistryVersion string           `json:"registry_version"`
	StartedAt       time.Time        `json:"started_at"`
	Duration        time.Duration    `json:"duration"`
	Records         int              `json:"records"`
	Findings        int              `json:"findings"`
	IndicatorValues int              `json:"indicator_values"`
	Summary         model.RunSummary `json:"summary"`
}

func jsonText(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SaveResult stores a complete run, stage events included, in one
// transaction. Saving the same run twice fails on the primary key.
func (s *Store) SaveResult(ctx context.Context, res *model.PipelineResult) error {
	meta := res.RunMetadata
	summary, err := jsonText(meta.Summary)
	if err != nil {
		return fmt.Errorf("store: encode summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	err = s.exec(ctx, tx, sq.Insert("runs").
		Columns("id", "registry_version", "started_at", "duration_ms", "records", "findings", "indicator_values", "summary").
		Values(meta.RunID, meta.RegistryVersion, meta.Timestamp.UTC(), meta.Duration.Milliseconds(),
			len(res.CanonicalRecords), len(res.Findings), len(res.IndicatorValues), summary))
	if err != nil {
		return fmt.Errorf("store: save run %s: %w", meta.RunID, err)
	}

	if err := s.saveFindings(ctx, tx, meta.RunID, res.Findings); err != nil {
		return fmt.Errorf("store: save findings: %w", err)
	}
	if err := s.saveIndicators(ctx, tx, meta.RunID, res.IndicatorValues); err != nil {
		return fmt.Errorf("store: save indicator values: %w", err)
	}
	if err := s.saveRecords(ctx, tx, meta.RunID, res.CanonicalRecords); err != nil {
		return fmt.Errorf("store: save records: %w", err)
	}
	if err := s.saveStages(ctx, tx, meta.RunID, meta.Stages); err != nil {
		return fmt.Errorf("store: save stage events: %w", err)
	}

	return tx.Commit()
}

func (s *Store) saveFindings(ctx context.Context, tx *sql.Tx, runID string, findings []model.Finding) error {
	for start := 0; start < len(findings); start += insertChunk {
		b := sq.Insert("findings").
			Columns("run_id", "seq", "id", "stage", "severity", "rule_id", "record_ref", "field", "message", "detected_value")
		for i, f := range findings[start:min(start+insertChunk, len(findings))] {
			detected, err := jsonText(f.DetectedValue)
			if err != nil {
				return err
			}
			b = b.Values(runID, start+i, f.ID, f.Stage, string(f.Severity), f.RuleID, f.RecordRef, f.Field, f.Message, detected)
		}
		if err := s.exec(ctx, tx, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveIndicators(ctx context.Context, tx *sql.Tx, runID string, values []model.IndicatorValue) error {
	for start := 0; start < len(values); start += insertChunk {
		b := sq.Insert("indicator_values").
			Columns("run_id", "seq", "indicator", "key", "key_json", "key_order", "value", "confidence", "contributing")
		for i, v := range values[start:min(start+insertChunk, len(values))] {
			key, err := jsonText(v.Key)
			if err != nil {
				return err
			}
			order, err := jsonText(v.KeyOrder)
			if err != nil {
				return err
			}
			contrib, err := jsonText(v.ContributingFindings)
			if err != nil {
				return err
			}
			var value sql.NullFloat64
			if v.Value != nil {
				value = sql.NullFloat64{Float64: *v.Value, Valid: true}
			}
			b = b.Values(runID, start+i, v.Indicator, v.KeyString(), key, order, value, string(v.Confidence), contrib)
		}
		if err := s.exec(ctx, tx, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveRecords(ctx context.Context, tx *sql.Tx, runID string, records []model.CanonicalRecord) error {
	for start := 0; start < len(records); start += insertChunk {
		b := sq.Insert("canonical_records").
			Columns("run_id", "seq", "ref", "source_id", "row_index", "values_json", "provenance_json")
		for i, r := range records[start:min(start+insertChunk, len(records))] {
			values, err := jsonText(r.Values)
			if err != nil {
				return err
			}
			prov, err := jsonText(r.Provenance)
			if err != nil {
				return err
			}
			b = b.Values(runID, start+i, r.Ref, r.SourceID, r.RowIndex, values, prov)
		}
		if err := s.exec(ctx, tx, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveStages(ctx context.Context, tx *sql.Tx, runID string, stages []model.StageMetrics) error {
	if len(stages) == 0 {
		return nil
	}
	b := sq.Insert("stage_events").
		Columns("run_id", "stage", "start_time", "end_time", "duration_ms", "records_in", "records_out", "findings", "worker_count")
	for _, m := range stages {
		b = b.Values(runID, m.Stage, m.StartTime.UTC(), m.EndTime.UTC(), m.Duration.Milliseconds(), m.RecordsIn, m.RecordsOut, m.Findings, m.WorkerCount)
	}
	return s.exec(ctx, tx, b)
}

var runColumns = []string{"id", "registry_version", "started_at", "duration_ms", "records", "findings", "indicator_values", "summary"}

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		r          Run
		durationMS int64
		summary    sql.NullString
	)
	if err := row.Scan(&r.ID, &r.RegistryVersion, &r.StartedAt, &durationMS, &r.Records, &r.Findings, &r.IndicatorValues, &summary); err != nil {
		return Run{}, err
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	if summary.Valid && summary.String != "" {
		if err := json.Unmarshal([]byte(summary.String), &r.Summary); err != nil {
			return Run{}, fmt.Errorf("decode summary of %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.query(ctx, sq.Select(runColumns...).From("runs").OrderBy("started_at DESC", "id"))
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list runs: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	query, args, err := sq.Select(runColumns...).From("runs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Run{}, err
	}
	r, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("store: get run %s: %w", id, err)
	}
	return r, nil
}
