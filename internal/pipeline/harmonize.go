package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"evidence-pipeline/internal/expr"
	"evidence-pipeline/internal/model"
	"evidence-pipeline/internal/registry"
	"evidence-pipeline/pkg/utils"
)

// Harmonizer maps raw tables into canonical records using a registry snapshot.
type Harmonizer struct {
	reg     *registry.Registry
	workers int
	logger  *slog.Logger
}

// NewHarmonizer creates a harmonizer. workers <= 0 means one worker.
func NewHarmonizer(reg *registry.Registry, workers int, logger *slog.Logger) *Harmonizer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Harmonizer{reg: reg, workers: workers, logger: logger.With("component", "harmonizer")}
}

// HarmonizeResult is the output of one harmonization pass. Findings is the
// side channel for per-row failures; Excluded counts rows left out of Records.
type HarmonizeResult struct {
	Records  []model.CanonicalRecord
	Findings []model.Finding
	Excluded int
}

type tableJob struct {
	table   model.RawTable
	mapping *registry.Mapping
}

type tableResult struct {
	records  []model.CanonicalRecord
	findings []model.Finding
	excluded int
}

// Harmonize maps every table. The only errors are an unknown source (before
// any row is processed) and context cancellation; row problems become findings.
// Records are ordered by (source id, extract date, row index) regardless of
// input or worker order.
func (h *Harmonizer) Harmonize(ctx context.Context, tables []model.RawTable) (*HarmonizeResult, error) {
	jobs := make([]tableJob, len(tables))
	for i, t := range tables {
		m, err := h.reg.GetMapping(t.SourceID)
		if err != nil {
			return nil, fmt.Errorf("harmonize %s: %w", t.Name, err)
		}
		jobs[i] = tableJob{table: t, mapping: m}
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i].table, jobs[j].table
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if !a.ExtractDate.Equal(b.ExtractDate) {
			return a.ExtractDate.Before(b.ExtractDate)
		}
		return a.Name < b.Name
	})

	results := make([]tableResult, len(jobs))
	idx := make(chan int)
	var wg sync.WaitGroup

	workers := min(h.workers, max(len(jobs), 1))
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range idx {
				results[i] = h.harmonizeTable(jobs[i].table, jobs[i].mapping)
			}
		}()
	}

feed:
	for i := range jobs {
		select {
		case <-ctx.Done():
			break feed
		case idx <- i:
		}
	}
	close(idx)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &HarmonizeResult{}
	for _, r := range results {
		out.Records = append(out.Records, r.records...)
		out.Findings = append(out.Findings, r.findings...)
		out.Excluded += r.excluded
	}
	assignIDs(out.Findings, model.StageHarmonize)

	h.logger.Debug("harmonized tables",
		"tables", len(tables),
		"records", len(out.Records),
		"excluded", out.Excluded,
		"findings", len(out.Findings))
	return out, nil
}

func (h *Harmonizer) harmonizeTable(t model.RawTable, m *registry.Mapping) tableResult {
	var res tableResult
	tableRef := t.Ref()
	schema := h.reg.GetSchema()

	columns := t.Columns
	if len(columns) == 0 {
		columns = observedColumns(t.Rows)
	}
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}

	for _, f := range m.Fields {
		for _, c := range f.Columns() {
			if present[c] {
				continue
			}
			sev := model.SeverityWarning
			if f.Required {
				sev = model.SeverityError
			}
			res.findings = append(res.findings, model.Finding{
				Stage:         model.StageHarmonize,
				Severity:      sev,
				RuleID:        model.RuleMissingSourceColumn,
				RecordRef:     tableRef,
				Field:         f.Def.Name,
				Message:       fmt.Sprintf("source column %q is missing from %s; %s is null for every row", c, t.Name, f.Def.Name),
				DetectedValue: c,
			})
		}
	}

rows:
	for i, row := range t.Rows {
		ref := fmt.Sprintf("%s#%d", tableRef, i)
		rec := model.CanonicalRecord{
			Ref:        ref,
			SourceID:   t.SourceID,
			RowIndex:   i,
			Values:     make(map[string]any, len(m.Fields)),
			Provenance: make(map[string]model.Provenance, len(m.Fields)),
		}
		var exprFindings []model.Finding

		for _, f := range m.Fields {
			var (
				val  any
				prov model.Provenance
			)
			if f.Expr != nil {
				var ferr error
				val, prov, ferr = evalMapped(f, row, t.SourceID)
				if ferr != nil {
					exprFindings = append(exprFindings, model.Finding{
						Stage:         model.StageHarmonize,
						Severity:      model.SeverityError,
						RuleID:        model.RuleExpressionError,
						RecordRef:     ref,
						Field:         f.Def.Name,
						Message:       fmt.Sprintf("expression %s: %v", f.Expr, ferr),
						DetectedValue: f.Expr.String(),
					})
				}
			} else {
				raw, ok := row[f.Column]
				prov = model.Provenance{SourceID: t.SourceID, RawColumn: f.Column, RawValue: raw, Absent: !ok}
				if ok {
					val = typeValue(f, raw)
				}
			}
			rec.Values[f.Def.Name] = val
			rec.Provenance[f.Def.Name] = prov
		}

		for _, k := range schema.Key {
			if reason := unresolvedKey(schema, k, rec.Values[k]); reason != "" {
				res.excluded++
				res.findings = append(res.findings, model.Finding{
					Stage:         model.StageHarmonize,
					Severity:      model.SeverityError,
					RuleID:        model.RuleUnresolvableKey,
					RecordRef:     ref,
					Field:         k,
					Message:       fmt.Sprintf("row excluded: key field %s %s", k, reason),
					DetectedValue: rec.Provenance[k].RawValue,
				})
				continue rows
			}
		}

		res.findings = append(res.findings, exprFindings...)
		res.records = append(res.records, rec)
	}
	return res
}

// evalMapped evaluates a computed mapping over one row. Missing or blank
// inputs give a null; a non-numeric input is carried through as text so the
// validator reports it.
func evalMapped(f registry.Field, row model.RawRow, sourceID string) (any, model.Provenance, error) {
	prov := model.Provenance{SourceID: sourceID, Expression: f.Expr.String()}
	nums := make(map[string]float64)
	var (
		missing    bool
		nonNumeric any
	)
	for _, c := range f.Expr.Columns() {
		raw, ok := row[c]
		prov.Inputs = append(prov.Inputs, model.RawCell{Column: c, Value: raw, Absent: !ok})
		if !ok || raw == nil {
			missing = true
			continue
		}
		if s, isStr := raw.(string); isStr {
			if f.Normalize != nil {
				s = f.Normalize(s)
			}
			if utils.IsMissingMarker(s) {
				missing = true
				continue
			}
			raw = s
		}
		n, ok := utils.Numeric(raw)
		if !ok {
			if nonNumeric == nil {
				nonNumeric = raw
			}
			continue
		}
		nums[c] = n
	}
	switch {
	case nonNumeric != nil:
		return nonNumeric, prov, nil
	case missing:
		return nil, prov, nil
	}

	v, err := f.Expr.Eval(func(c string) (float64, bool) {
		n, ok := nums[c]
		return n, ok
	})
	if err != nil {
		if errors.Is(err, expr.ErrMissingInput) {
			return nil, prov, nil
		}
		return nil, prov, err
	}
	out := f.Conversion.Apply(v)
	if _, ok := finite(out); !ok {
		// overflowed; kept as text for the type rule
		return fmt.Sprint(out), prov, nil
	}
	return out, prov, nil
}

// typeValue turns one raw cell into the field's semantic type. Values that do
// not fit the type are kept as they are for the validator to report.
func typeValue(f registry.Field, raw any) any {
	if raw == nil {
		return nil
	}
	if s, ok := raw.(string); ok {
		if f.Normalize != nil {
			s = f.Normalize(s)
		}
		if utils.IsMissingMarker(s) {
			return nil
		}
		raw = strings.TrimSpace(s)
	}

	switch f.Def.Type {
	case model.TypeNumeric:
		if n, ok := utils.Numeric(raw); ok {
			if v, ok := finite(f.Conversion.Apply(n)); ok {
				return v
			}
			// overflowed; kept as text for the type rule
			return fmt.Sprint(raw)
		}
		return raw
	case model.TypeDate:
		return parseDate(raw)
	default:
		switch v := raw.(type) {
		case string:
			return v
		case float64, int, int64:
			return model.FormatKeyValue(toFloat(v))
		}
		return raw
	}
}

func toFloat(v any) float64 {
	n, _ := utils.Numeric(v)
	return n
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01",
	"02/01/2006",
	"2006",
}

func parseDate(raw any) any {
	switch v := raw.(type) {
	case time.Time:
		return v
	case float64:
		if v == float64(int(v)) && v >= 1000 && v <= 9999 {
			return time.Date(int(v), time.January, 1, 0, 0, 0, 0, time.UTC)
		}
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return raw
}

// unresolvedKey explains why a key value cannot identify a record, or
// returns "" when it can.
func unresolvedKey(schema model.CanonicalSchema, field string, v any) string {
	if v == nil {
		return "is empty"
	}
	def, _ := schema.Field(field)
	switch def.Type {
	case model.TypeNumeric:
		if _, ok := v.(float64); !ok {
			return fmt.Sprintf("is not numeric (%v)", v)
		}
	case model.TypeDate:
		if _, ok := v.(time.Time); !ok {
			return fmt.Sprintf("is not a date (%v)", v)
		}
	default:
		if s, ok := v.(string); !ok || s == "" {
			return fmt.Sprintf("is not a code (%v)", v)
		}
	}
	return ""
}

func observedColumns(rows []model.RawRow) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rows {
		for c := range r {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

// assignIDs numbers findings in order with a stage prefix, so IDs are unique
// within a run and stable across identical runs.
func assignIDs(findings []model.Finding, stage string) {
	for i := range findings {
		findings[i].ID = fmt.Sprintf("%s-%04d", stage, i+1)
	}
}
