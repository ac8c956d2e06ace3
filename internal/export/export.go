// Package export writes a PipelineResult to a per-run output directory as a
// JSON envelope, flat CSV tables for indicators, findings and records, and a
// markdown evidence report.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"evidence-pipeline/internal/model"
	"evidence-pipeline/pkg/utils"
)

// File names written for every run.
const (
	ResultFile     = "result.json"
	IndicatorsFile = "indicators.csv"
	FindingsFile   = "findings.csv"
	RecordsFile    = "records.csv"
	ReportFile     = "report.md"
)

// ExportResult represents the result of an export operation
type ExportResult struct {
	Type        string    `json:"type"` // "json" or "csv"
	Path        string    `json:"path"`
	URL         string    `json:"url"`
	RecordCount int       `json:"record_count"`
	SizeBytes   int64     `json:"size_bytes"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	ExportedAt  time.Time `json:"exported_at"`
}

// Exporter writes run outputs through an OutputManager.
type Exporter struct {
	out    *utils.OutputManager
	logger *slog.Logger
	now    func() time.Time
}

// NewExporter creates an exporter rooted at the manager's base directory.
func NewExporter(out *utils.OutputManager, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{out: out, logger: logger.With("component", "export"), now: time.Now}
}

type writer struct {
	name  string
	count int
	write func(path string) error
}

// Export writes all files. Every file is attempted; failures are reported
// per file and joined into the returned error.
func (e *Exporter) Export(ctx context.Context, res *model.PipelineResult) ([]ExportResult, error) {
	runID := res.RunMetadata.RunID
	writers := []writer{
		{ResultFile, len(res.CanonicalRecords), func(p string) error { return e.writeJSON(p, res) }},
		{IndicatorsFile, len(res.IndicatorValues), func(p string) error { return writeIndicators(p, res.IndicatorValues) }},
		{FindingsFile, len(res.Findings), func(p string) error { return writeFindings(p, res.Findings) }},
		{RecordsFile, len(res.CanonicalRecords), func(p string) error { return writeRecords(p, res.CanonicalRecords) }},
		{ReportFile, len(res.IndicatorValues), func(p string) error { return e.writeReport(p, res) }},
	}

	var (
		results []ExportResult
		errs    []error
	)
	for _, w := range writers {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r := ExportResult{
			Type:        e.out.GetFileType(w.name),
			URL:         e.out.GetDownloadURL(runID, w.name),
			RecordCount: w.count,
			ExportedAt:  e.now().UTC(),
		}
		path, err := e.out.GetOutputFilePath(runID, w.name)
		if err == nil {
			r.Path = path
			err = w.write(path)
		}
		if err != nil {
			r.Error = err.Error()
			errs = append(errs, fmt.Errorf("export %s: %w", w.name, err))
			e.logger.Error("export failed", "run_id", runID, "file", w.name, "error", err)
		} else {
			r.Success = true
			r.SizeBytes, _ = e.out.GetFileSize(path)
			e.logger.Info("export written", "run_id", runID, "file", path, "rows", w.count)
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

func (e *Exporter) writeJSON(path string, res *model.PipelineResult) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	exportData := map[string]any{
		"export_info": map[string]any{
			"run_id":           res.RunMetadata.RunID,
			"registry_version": res.RunMetadata.RegistryVersion,
			"exported_at":      e.now().UTC(),
			"record_count":     len(res.CanonicalRecords),
			"finding_count":    len(res.Findings),
			"indicator_count":  len(res.IndicatorValues),
			"export_type":      "pipeline_result",
		},
		"data": res,
	}
	if err := encoder.Encode(exportData); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return file.Close()
}

func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	return file.Close()
}

func writeIndicators(path string, values []model.IndicatorValue) error {
	rows := make([][]string, 0, len(values))
	for _, v := range values {
		keyParts := make([]string, len(v.KeyOrder))
		for i, k := range v.KeyOrder {
			keyParts[i] = k + "=" + v.Key[k]
		}
		value := ""
		if v.Value != nil {
			value = FormatCell(*v.Value)
		}
		rows = append(rows, []string{
			v.Indicator,
			strings.Join(keyParts, ";"),
			value,
			string(v.Confidence),
			strings.Join(v.ContributingFindings, ";"),
		})
	}
	return writeCSV(path, []string{"indicator", "key", "value", "confidence", "contributing_findings"}, rows)
}

func writeFindings(path string, findings []model.Finding) error {
	rows := make([][]string, 0, len(findings))
	for _, f := range findings {
		rows = append(rows, []string{
			f.ID, f.Stage, string(f.Severity), f.RuleID, f.RecordRef, f.Field, f.Message, FormatCell(f.DetectedValue),
		})
	}
	return writeCSV(path, []string{"id", "stage", "severity", "rule_id", "record_ref", "field", "message", "detected_value"}, rows)
}

func writeRecords(path string, records []model.CanonicalRecord) error {
	seen := make(map[string]bool)
	var fields []string
	for _, r := range records {
		for f := range r.Values {
			if !seen[f] {
				seen[f] = true
				fields = append(fields, f)
			}
		}
	}
	sort.Strings(fields)

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		row := []string{r.Ref, r.SourceID, strconv.Itoa(r.RowIndex)}
		for _, f := range fields {
			row = append(row, FormatCell(r.Values[f]))
		}
		rows = append(rows, row)
	}
	return writeCSV(path, append([]string{"ref", "source_id", "row_index"}, fields...), rows)
}

// FormatCell renders a canonical value for a flat file.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.Format("2006-01-02")
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
