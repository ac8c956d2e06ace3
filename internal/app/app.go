// Package app wires configuration, ingestion, the pipeline, exports and the
// store into one batch run shared by the CLI, the API and the scheduler.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"evidence-pipeline/internal/config"
	"evidence-pipeline/internal/diagnose"
	"evidence-pipeline/internal/export"
	"evidence-pipeline/internal/ingest"
	"evidence-pipeline/internal/logging"
	"evidence-pipeline/internal/model"
	"evidence-pipeline/internal/pipeline"
	"evidence-pipeline/internal/store"
	"evidence-pipeline/pkg/utils"
)

// Report is what one batch run produced.
type Report struct {
	Result      *model.PipelineResult `json:"-"`
	Exports     []export.ExportResult `json:"exports"`
	Suggestions []diagnose.Action     `json:"suggestions"`
}

// Application runs the configured batch. Runs are serialized.
type Application struct {
	cfg      config.Config
	pipe     *pipeline.Pipeline
	loader   *ingest.Loader
	sources  []ingest.Source
	output   *utils.OutputManager
	exporter *export.Exporter
	store    *store.Store
	logger   *slog.Logger

	mu sync.Mutex
}

// New validates the configuration and builds every stage. st may be nil,
// in which case results are exported but not persisted. Configuration
// errors satisfy pipeline.IsFatal.
func New(cfg config.Config, st *store.Store, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}
	a := &Application{
		cfg:    cfg,
		store:  st,
		output: utils.NewOutputManager(cfg.Export.OutputDir),
		logger: baseLogger.With("component", "app"),
	}

	pc, err := cfg.PipelineConfig(baseLogger)
	if err != nil {
		return nil, err
	}
	a.pipe, err = pipeline.New(pc)
	if err != nil {
		return nil, err
	}
	a.sources, err = cfg.IngestSources()
	if err != nil {
		return nil, err
	}
	a.loader = ingest.NewLoader(nil, cfg.Workers, baseLogger).WithRetry(cfg.Retry())
	a.exporter = export.NewExporter(a.output, baseLogger)
	return a, nil
}

// RunBatch loads every source, runs the pipeline, writes the exports and
// persists the result. Export failures are reported in the Report and do
// not fail the run.
func (a *Application) RunBatch(ctx context.Context) (*Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tables, err := a.loader.LoadAll(ctx, a.sources)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	res, err := a.pipe.Run(ctx, tables)
	if err != nil {
		return nil, err
	}

	report := &Report{Result: res, Suggestions: diagnose.Suggest(res.Findings)}
	report.Exports, err = a.exporter.Export(ctx, res)
	if err != nil {
		a.logger.Warn("some exports failed", "run_id", res.RunMetadata.RunID, "error", err)
	}

	if a.store != nil {
		if err := a.store.SaveResult(ctx, res); err != nil {
			return report, fmt.Errorf("persist run %s: %w", res.RunMetadata.RunID, err)
		}
	}
	return report, nil
}

// Output returns the manager of the export directory.
func (a *Application) Output() *utils.OutputManager {
	return a.output
}

// Store returns the run store, or nil.
func (a *Application) Store() *store.Store {
	return a.store
}
