// Package pipeline implements the harmonization, validation and indicator
// stages and the orchestrator that sequences them into one PipelineResult.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"evidence-pipeline/internal/model"
	"evidence-pipeline/internal/registry"
)

// Config wires a Pipeline. Registry is required.
type Config struct {
	Registry   *registry.Registry
	Indicators []model.IndicatorDefinition
	Validation ValidationOptions
	Workers    int
	Logger     *slog.Logger
	Observer   Observer
}

// Pipeline runs Harmonizer -> Validator -> Indicator Engine over batches of
// raw tables. It holds no state between runs.
type Pipeline struct {
	reg        *registry.Registry
	harmonizer *Harmonizer
	validator  *Validator
	engine     *Engine
	workers    int
	observer   Observer
	logger     *slog.Logger

	newID func() string
	now   func() time.Time
}

// New checks the indicator definitions and builds the stages. Configuration
// errors are returned here, before any data is seen.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("pipeline: registry is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	engine, err := NewEngine(cfg.Registry.GetSchema(), cfg.Indicators, cfg.Workers, cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		reg:        cfg.Registry,
		harmonizer: NewHarmonizer(cfg.Registry, cfg.Workers, cfg.Logger),
		validator:  NewValidator(cfg.Registry, cfg.Validation, cfg.Workers, cfg.Logger),
		engine:     engine,
		workers:    cfg.Workers,
		observer:   cfg.Observer,
		logger:     cfg.Logger.With("component", "pipeline"),
		newID:      uuid.NewString,
		now:        time.Now,
	}, nil
}

// Run processes one batch. It returns either a complete result or an error
// and never a partial result. Data problems are reported as findings in the
// result; the error is reserved for configuration errors (see IsFatal) and
// context cancellation.
func (p *Pipeline) Run(ctx context.Context, tables []model.RawTable) (*model.PipelineResult, error) {
	rc := model.RunContext{
		RunID:           p.newID(),
		Timestamp:       p.now().UTC(),
		RegistryVersion: p.reg.Version(),
	}
	logger := p.logger.With("run_id", rc.RunID)

	rawRows := 0
	for _, t := range tables {
		if _, err := p.reg.GetMapping(t.SourceID); err != nil {
			logger.Error("run aborted", "table", t.Name, "error", err)
			return nil, fmt.Errorf("run %s: %w", rc.RunID, err)
		}
		rawRows += len(t.Rows)
	}

	logger.Info("run started", "tables", len(tables), "raw_rows", rawRows, "registry_version", rc.RegistryVersion)
	start := p.now()
	tracker := NewTracker(rc.RunID, p.observer, p.logger)

	tracker.StartStage(model.StageHarmonize, rawRows, p.workers)
	harmonized, err := p.harmonizer.Harmonize(ctx, tables)
	if err != nil {
		return nil, p.abort(logger, rc, err)
	}
	tracker.EndStage(model.StageHarmonize, len(harmonized.Records), len(harmonized.Findings))

	tracker.StartStage(model.StageValidate, len(harmonized.Records), p.workers)
	validated, err := p.validator.Validate(ctx, harmonized.Records)
	if err != nil {
		return nil, p.abort(logger, rc, err)
	}
	tracker.EndStage(model.StageValidate, len(harmonized.Records), len(validated))

	findings := make([]model.Finding, 0, len(harmonized.Findings)+len(validated))
	findings = append(findings, harmonized.Findings...)
	findings = append(findings, validated...)

	tracker.StartStage(model.StageIndicator, len(harmonized.Records), p.workers)
	values, indicatorFindings, err := p.engine.Compute(ctx, harmonized.Records, findings)
	if err != nil {
		return nil, p.abort(logger, rc, err)
	}
	tracker.EndStage(model.StageIndicator, len(values), len(indicatorFindings))
	findings = append(findings, indicatorFindings...)

	if err := ctx.Err(); err != nil {
		return nil, p.abort(logger, rc, err)
	}

	result := &model.PipelineResult{
		CanonicalRecords: harmonized.Records,
		Findings:         findings,
		IndicatorValues:  values,
		RunMetadata: model.RunMetadata{
			RunContext: rc,
			Stages:     tracker.Stages(),
			Summary:    summarize(tables, harmonized, findings, values),
			Duration:   p.now().Sub(start),
		},
	}

	logger.Info("run completed",
		"records", len(result.CanonicalRecords),
		"findings", len(result.Findings),
		"indicator_values", len(result.IndicatorValues),
		"duration", result.RunMetadata.Duration)
	return result, nil
}

func (p *Pipeline) abort(logger *slog.Logger, rc model.RunContext, err error) error {
	logger.Warn("run aborted", "error", err)
	return fmt.Errorf("run %s: %w", rc.RunID, err)
}

func summarize(tables []model.RawTable, h *HarmonizeResult, findings []model.Finding, values []model.IndicatorValue) model.RunSummary {
	s := model.RunSummary{
		Tables:             len(tables),
		Records:            len(h.Records),
		ExcludedRows:       h.Excluded,
		FindingsBySev:      map[model.Severity]int{},
		IndicatorValues:    len(values),
		ValuesByConfidence: map[model.Confidence]int{},
	}
	for _, t := range tables {
		s.RawRows += len(t.Rows)
	}
	for _, f := range findings {
		s.FindingsBySev[f.Severity]++
	}
	for _, v := range values {
		s.ValuesByConfidence[v.Confidence]++
	}
	return s
}

// Registry returns the registry snapshot the pipeline runs against.
func (p *Pipeline) Registry() *registry.Registry {
	return p.reg
}
