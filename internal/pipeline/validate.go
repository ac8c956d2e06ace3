package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"evidence-pipeline/internal/model"
	"evidence-pipeline/internal/registry"
)

// ValidationOptions are batch-wide defaults and reference data for the
// validator. Per-field settings in the schema take precedence.
type ValidationOptions struct {
	NullThreshold     *float64            `json:"null_threshold,omitempty" yaml:"null_threshold"`
	OutlierSigma      *float64            `json:"outlier_sigma,omitempty" yaml:"outlier_sigma"`
	MinOutlierSamples int                 `json:"min_outlier_samples,omitempty" yaml:"min_outlier_samples"`
	References        map[string][]string `json:"references,omitempty" yaml:"references"`
}

// DefaultMinOutlierSamples is used when MinOutlierSamples is unset.
const DefaultMinOutlierSamples = 5

// Batch is the read-only input every rule receives.
type Batch struct {
	Registry *registry.Registry
	Schema   model.CanonicalSchema
	Records  []model.CanonicalRecord
	Options  ValidationOptions
}

// Rule is one independent, pure validation rule. Check must not modify the
// batch and must not panic on bad data; a rule that cannot evaluate reports
// that as a "rule skipped" warning.
type Rule struct {
	ID    string
	Check func(b *Batch) []model.Finding
}

// DefaultRules returns the structural rules followed by the quality rules.
func DefaultRules() []Rule {
	return []Rule{
		{ID: model.RuleSchemaConformance, Check: checkSchemaConformance},
		{ID: model.RuleMissingRequired, Check: checkRequired},
		{ID: model.RuleNonNullable, Check: checkNonNullable},
		{ID: model.RuleDuplicateKey, Check: checkDuplicateKeys},
		{ID: model.RuleTypeConformance, Check: checkTypes},
		{ID: model.RuleRange, Check: checkRanges},
		{ID: model.RulePattern, Check: checkPatterns},
		{ID: model.RuleNullRate, Check: checkNullRates},
		{ID: model.RuleOutlier, Check: checkOutliers},
		{ID: model.RuleReference, Check: checkReferences},
	}
}

// Validator runs every rule over every record and collects findings.
type Validator struct {
	reg     *registry.Registry
	opts    ValidationOptions
	rules   []Rule
	workers int
	logger  *slog.Logger
}

// NewValidator creates a validator with the default rule set.
func NewValidator(reg *registry.Registry, opts ValidationOptions, workers int, logger *slog.Logger) *Validator {
	if workers <= 0 {
		workers = 1
	}
	if opts.MinOutlierSamples <= 0 {
		opts.MinOutlierSamples = DefaultMinOutlierSamples
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		reg:     reg,
		opts:    opts,
		rules:   DefaultRules(),
		workers: workers,
		logger:  logger.With("component", "validator"),
	}
}

// Rules lists the rule ids in evaluation order.
func (v *Validator) Rules() []string {
	ids := make([]string, len(v.rules))
	for i, r := range v.rules {
		ids[i] = r.ID
	}
	return ids
}

// Validate runs all rules. Rules run concurrently, each into its own slice,
// and the results are merged in rule order. Records are never modified.
func (v *Validator) Validate(ctx context.Context, records []model.CanonicalRecord) ([]model.Finding, error) {
	batch := &Batch{
		Registry: v.reg,
		Schema:   v.reg.GetSchema(),
		Records:  records,
		Options:  v.opts,
	}

	perRule := make([][]model.Finding, len(v.rules))
	idx := make(chan int)
	var wg sync.WaitGroup

	workers := min(v.workers, len(v.rules))
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range idx {
				perRule[i] = v.rules[i].Check(batch)
			}
		}()
	}

feed:
	for i := range v.rules {
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

	var findings []model.Finding
	for i, fs := range perRule {
		for j := range fs {
			fs[j].Stage = model.StageValidate
			if fs[j].RuleID == "" {
				fs[j].RuleID = v.rules[i].ID
			}
		}
		findings = append(findings, fs...)
	}
	assignIDs(findings, model.StageValidate)

	v.logger.Debug("validated records", "records", len(records), "rules", len(v.rules), "findings", len(findings))
	return findings, nil
}
