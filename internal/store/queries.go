package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"evidence-pipeline/internal/model"
)

// FindingFilter narrows Findings. Zero fields match everything.
type FindingFilter struct {
	Severity string
	RuleID   string
	Stage    string
	Limit    uint64
}

// IndicatorFilter narrows Indicators. Zero fields match everything.
type IndicatorFilter struct {
	Name       string
	Confidence string
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

// Findings returns the findings of a run in emission order.
func (s *Store) Findings(ctx context.Context, runID string, f FindingFilter) ([]model.Finding, error) {
	b := sq.Select("id", "stage", "severity", "rule_id", "record_ref", "field", "message", "detected_value").
		From("findings").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("seq")
	if f.Severity != "" {
		b = b.Where(sq.Eq{"severity": f.Severity})
	}
	if f.RuleID != "" {
		b = b.Where(sq.Eq{"rule_id": f.RuleID})
	}
	if f.Stage != "" {
		b = b.Where(sq.Eq{"stage": f.Stage})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}

	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("store: findings of %s: %w", runID, err)
	}
	defer rows.Close()

	out := []model.Finding{}
	for rows.Next() {
		var (
			fd       model.Finding
			severity string
			detected sql.NullString
		)
		if err := rows.Scan(&fd.ID, &fd.Stage, &severity, &fd.RuleID, &fd.RecordRef, &fd.Field, &fd.Message, &detected); err != nil {
			return nil, fmt.Errorf("store: scan finding: %w", err)
		}
		fd.Severity = model.Severity(severity)
		if err := decodeJSON(detected, &fd.DetectedValue); err != nil {
			return nil, fmt.Errorf("store: decode finding %s: %w", fd.ID, err)
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

// Indicators returns the indicator values of a run in evaluation order.
func (s *Store) Indicators(ctx context.Context, runID string, f IndicatorFilter) ([]model.IndicatorValue, error) {
	b := sq.Select("indicator", "key_json", "key_order", "value", "confidence", "contributing").
		From("indicator_values").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("seq")
	if f.Name != "" {
		b = b.Where(sq.Eq{"indicator": f.Name})
	}
	if f.Confidence != "" {
		b = b.Where(sq.Eq{"confidence": f.Confidence})
	}

	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("store: indicators of %s: %w", runID, err)
	}
	defer rows.Close()

	out := []model.IndicatorValue{}
	for rows.Next() {
		var (
			v                   model.IndicatorValue
			key, order, contrib sql.NullString
			value               sql.NullFloat64
			confidence          string
		)
		if err := rows.Scan(&v.Indicator, &key, &order, &value, &confidence, &contrib); err != nil {
			return nil, fmt.Errorf("store: scan indicator value: %w", err)
		}
		v.Confidence = model.Confidence(confidence)
		if value.Valid {
			x := value.Float64
			v.Value = &x
		}
		for _, d := range []struct {
			src sql.NullString
			dst any
		}{{key, &v.Key}, {order, &v.KeyOrder}, {contrib, &v.ContributingFindings}} {
			if err := decodeJSON(d.src, d.dst); err != nil {
				return nil, fmt.Errorf("store: decode indicator %s: %w", v.Indicator, err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Records returns canonical records of a run in harmonization order.
// A zero limit returns all of them.
func (s *Store) Records(ctx context.Context, runID string, limit, offset uint64) ([]model.CanonicalRecord, error) {
	b := sq.Select("ref", "source_id", "row_index", "values_json", "provenance_json").
		From("canonical_records").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("seq")
	if limit > 0 {
		b = b.Limit(limit).Offset(offset)
	}

	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("store: records of %s: %w", runID, err)
	}
	defer rows.Close()

	out := []model.CanonicalRecord{}
	for rows.Next() {
		var (
			r            model.CanonicalRecord
			values, prov sql.NullString
		)
		if err := rows.Scan(&r.Ref, &r.SourceID, &r.RowIndex, &values, &prov); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		if err := decodeJSON(values, &r.Values); err != nil {
			return nil, fmt.Errorf("store: decode record %s: %w", r.Ref, err)
		}
		if err := decodeJSON(prov, &r.Provenance); err != nil {
			return nil, fmt.Errorf("store: decode record %s: %w", r.Ref, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StageEvents returns the stage events of a run in the order they ended.
func (s *Store) StageEvents(ctx context.Context, runID string) ([]model.StageMetrics, error) {
	rows, err := s.query(ctx, sq.Select("stage", "start_time", "end_time", "duration_ms", "records_in", "records_out", "findings", "worker_count").
		From("stage_events").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("store: stage events of %s: %w", runID, err)
	}
	defer rows.Close()

	out := []model.StageMetrics{}
	for rows.Next() {
		var (
			m          model.StageMetrics
			durationMS int64
		)
		if err := rows.Scan(&m.Stage, &m.StartTime, &m.EndTime, &durationMS, &m.RecordsIn, &m.RecordsOut, &m.Findings, &m.WorkerCount); err != nil {
			return nil, fmt.Errorf("store: scan stage event: %w", err)
		}
		m.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, m)
	}
	return out, rows.Err()
}
