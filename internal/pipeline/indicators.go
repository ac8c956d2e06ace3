package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"evidence-pipeline/internal/model"
)

// Engine evaluates a validated set of indicator definitions.
type Engine struct {
	schema  model.CanonicalSchema
	defs    []model.IndicatorDefinition
	byName  map[string]int
	order   []int
	workers int
	logger  *slog.Logger
}

// NewEngine checks the definitions against the schema and each other and
// fixes the evaluation order. It fails with *DefinitionError or
// *CyclicIndicatorError; no computation happens here.
func NewEngine(schema model.CanonicalSchema, defs []model.IndicatorDefinition, workers int, logger *slog.Logger) (*Engine, error) {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		schema:  schema,
		defs:    append([]model.IndicatorDefinition(nil), defs...),
		byName:  make(map[string]int, len(defs)),
		workers: workers,
		logger:  logger.With("component", "indicators"),
	}

	for i, d := range e.defs {
		if d.Name == "" {
			return nil, &DefinitionError{Reason: fmt.Sprintf("definition %d has no name", i)}
		}
		if _, dup := e.byName[d.Name]; dup {
			return nil, &DefinitionError{Indicator: d.Name, Reason: "defined twice"}
		}
		if _, clash := schema.Field(d.Name); clash {
			return nil, &DefinitionError{Indicator: d.Name, Reason: "name collides with a canonical field"}
		}
		e.byName[d.Name] = i
	}

	g := &depGraph{names: make([]string, len(e.defs)), deps: make([][]int, len(e.defs))}
	for i, d := range e.defs {
		g.names[i] = d.Name
		if err := e.checkDefinition(d); err != nil {
			return nil, err
		}
		for _, in := range d.Inputs {
			if j, ok := e.byName[in]; ok {
				g.deps[i] = append(g.deps[i], j)
			}
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, &CyclicIndicatorError{Cycle: cycle}
	}

	// Inputs from other indicators must be at least as fine-grained as the
	// consumer so their keys project onto its aggregation level.
	for _, d := range e.defs {
		for _, in := range d.Inputs {
			j, ok := e.byName[in]
			if !ok {
				continue
			}
			if !subset(d.AggregationLevel, e.defs[j].AggregationLevel) {
				return nil, &DefinitionError{Indicator: d.Name, Reason: fmt.Sprintf("input indicator %s is aggregated at (%s), coarser than (%s)",
					in, strings.Join(e.defs[j].AggregationLevel, ", "), strings.Join(d.AggregationLevel, ", "))}
			}
		}
	}

	e.order = g.order()
	return e, nil
}

func (e *Engine) checkDefinition(d model.IndicatorDefinition) error {
	spec, ok := computeFuncs[d.Compute]
	if !ok {
		return &DefinitionError{Indicator: d.Name, Reason: fmt.Sprintf("unknown compute function %q", d.Compute)}
	}
	if len(d.Inputs) < spec.minArgs || (spec.maxArgs > 0 && len(d.Inputs) > spec.maxArgs) {
		return &DefinitionError{Indicator: d.Name, Reason: fmt.Sprintf("%s takes %s inputs, got %d", d.Compute, arity(spec), len(d.Inputs))}
	}
	if _, ok := lookupReducer(d.Reduce); !ok {
		return &DefinitionError{Indicator: d.Name, Reason: fmt.Sprintf("unknown reducer %q", d.Reduce)}
	}

	seen := make(map[string]bool)
	for _, lvl := range d.AggregationLevel {
		if !e.schema.IsKey(lvl) {
			return &DefinitionError{Indicator: d.Name, Reason: fmt.Sprintf("aggregation level %s is not a key field", lvl)}
		}
		if seen[lvl] {
			return &DefinitionError{Indicator: d.Name, Reason: fmt.Sprintf("aggregation level %s listed twice", lvl)}
		}
		seen[lvl] = true
	}

	for _, in := range d.Inputs {
		if _, ok := e.byName[in]; ok {
			continue
		}
		f, ok := e.schema.Field(in)
		if !ok {
			return &DefinitionError{Indicator: d.Name, Reason: fmt.Sprintf("unknown input %s", in)}
		}
		if f.Type != model.TypeNumeric {
			return &DefinitionError{Indicator: d.Name, Reason: fmt.Sprintf("input %s is %s, not numeric", in, f.Type)}
		}
	}
	return nil
}

func arity(s computeSpec) string {
	switch {
	case s.maxArgs == 0:
		return fmt.Sprintf("at least %d", s.minArgs)
	case s.minArgs == s.maxArgs:
		return fmt.Sprintf("%d", s.minArgs)
	default:
		return fmt.Sprintf("%d to %d", s.minArgs, s.maxArgs)
	}
}

// subset reports whether every element of a is in b.
func subset(a, b []string) bool {
	for _, x := range a {
		found := false
		for _, y := range b {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Order returns indicator names in evaluation order.
func (e *Engine) Order() []string {
	names := make([]string, len(e.order))
	for i, n := range e.order {
		names[i] = e.defs[n].Name
	}
	return names
}

// trustIndex maps records and fields to the findings that qualify them.
type trustIndex struct {
	field  map[string][]model.Finding // ref \x00 field
	record map[string][]model.Finding // record-level findings (no field)
}

func newTrustIndex(findings []model.Finding) *trustIndex {
	ti := &trustIndex{field: map[string][]model.Finding{}, record: map[string][]model.Finding{}}
	for _, f := range findings {
		if f.RecordRef == "" || f.Severity == model.SeverityInfo {
			continue
		}
		if f.Field == "" {
			ti.record[f.RecordRef] = append(ti.record[f.RecordRef], f)
			continue
		}
		k := f.RecordRef + "\x00" + f.Field
		ti.field[k] = append(ti.field[k], f)
	}
	return ti
}

// lookup returns the findings on one record field, including record-level ones.
func (ti *trustIndex) lookup(ref, field string) []model.Finding {
	fs := ti.field[ref+"\x00"+field]
	if rl := ti.record[ref]; len(rl) > 0 {
		fs = append(append([]model.Finding(nil), fs...), rl...)
	}
	return fs
}

type group struct {
	parts   []string
	records []int
}

type groupResult struct {
	value    model.IndicatorValue
	findings []model.Finding
}

// Compute evaluates every indicator in dependency order. Findings are the
// harmonization and validation findings of the same batch; error findings on
// an input make the dependent values degraded or unavailable.
func (e *Engine) Compute(ctx context.Context, records []model.CanonicalRecord, findings []model.Finding) ([]model.IndicatorValue, []model.Finding, error) {
	trust := newTrustIndex(findings)
	computed := make(map[string][]model.IndicatorValue, len(e.defs))

	var (
		values  []model.IndicatorValue
		emitted []model.Finding
	)
	for _, n := range e.order {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		d := e.defs[n]
		groups := e.groups(d, records, computed)

		results := make([]groupResult, len(groups))
		idx := make(chan int)
		var wg sync.WaitGroup
		workers := min(e.workers, max(len(groups), 1))
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			go func() {
				defer wg.Done()
				for i := range idx {
					results[i] = e.evalGroup(d, groups[i], records, trust, computed)
				}
			}()
		}
	feed:
		for i := range groups {
			select {
			case <-ctx.Done():
				break feed
			case idx <- i:
			}
		}
		close(idx)
		wg.Wait()
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		out := make([]model.IndicatorValue, 0, len(results))
		for _, r := range results {
			v := r.value
			for _, f := range r.findings {
				f.Stage = model.StageIndicator
				f.ID = fmt.Sprintf("%s-%04d", model.StageIndicator, len(emitted)+1)
				emitted = append(emitted, f)
				v.ContributingFindings = append(v.ContributingFindings, f.ID)
			}
			out = append(out, v)
		}
		computed[d.Name] = out
		values = append(values, out...)

		e.logger.Debug("computed indicator", "indicator", d.Name, "keys", len(out))
	}
	return values, emitted, nil
}

// groups collects the aggregation keys of one indicator: every key with a
// record carrying one of its field inputs or a value of one of its input
// indicators. Keys are returned in sorted order.
func (e *Engine) groups(d model.IndicatorDefinition, records []model.CanonicalRecord, computed map[string][]model.IndicatorValue) []*group {
	byKey := make(map[string]*group)
	add := func(parts []string) *group {
		k := model.JoinKey(parts)
		g, ok := byKey[k]
		if !ok {
			g = &group{parts: parts}
			byKey[k] = g
		}
		return g
	}

	for i, rec := range records {
		for _, in := range d.Inputs {
			if _, isIndicator := e.byName[in]; isIndicator || !rec.Has(in) {
				continue
			}
			g := add(rec.KeyTuple(d.AggregationLevel))
			g.records = append(g.records, i)
			break
		}
	}
	for _, in := range d.Inputs {
		for _, v := range computed[in] {
			add(project(v, d.AggregationLevel))
		}
	}

	out := make([]*group, 0, len(byKey))
	for _, g := range byKey {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].parts, out[j].parts
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return out
}

func project(v model.IndicatorValue, level []string) []string {
	parts := make([]string, len(level))
	for i, l := range level {
		parts[i] = v.Key[l]
	}
	return parts
}

func (e *Engine) evalGroup(d model.IndicatorDefinition, g *group, records []model.CanonicalRecord, trust *trustIndex, computed map[string][]model.IndicatorValue) groupResult {
	reduce, _ := lookupReducer(d.Reduce)
	keyStr := model.JoinKey(g.parts)

	var (
		contrib []string
		reasons []string
		tainted bool
	)
	args := make([]Arg, len(d.Inputs))
	for i, in := range d.Inputs {
		args[i].Name = in
		var vals []float64
		carriers := 0

		if _, isIndicator := e.byName[in]; isIndicator {
			for _, uv := range computed[in] {
				if model.JoinKey(project(uv, d.AggregationLevel)) != keyStr {
					continue
				}
				carriers++
				contrib = append(contrib, uv.ContributingFindings...)
				if uv.Value == nil {
					continue
				}
				if uv.Confidence != model.ConfidenceOK {
					tainted = true
					reasons = append(reasons, fmt.Sprintf("input %s is %s", in, uv.Confidence))
				}
				vals = append(vals, *uv.Value)
			}
		} else {
			for _, ri := range g.records {
				rec := records[ri]
				if !rec.Has(in) {
					continue
				}
				carriers++
				fs := trust.lookup(rec.Ref, in)
				for _, f := range fs {
					contrib = append(contrib, f.ID)
				}
				v, isNum := finite(rec.Values[in])
				if !isNum {
					continue
				}
				if len(fs) > 0 {
					tainted = true
					reasons = append(reasons, fmt.Sprintf("%s of %s has %s findings", in, rec.Ref, worstSeverity(fs)))
				}
				vals = append(vals, v)
			}
		}

		if len(vals) == 0 {
			continue
		}
		args[i].Value = reduce(vals)
		args[i].OK = true
		if carriers > len(vals) {
			tainted = true
			reasons = append(reasons, fmt.Sprintf("%s is missing for %d of %d contributions", in, carriers-len(vals), carriers))
		}
	}

	outcome := computeFuncs[d.Compute].fn(args, d.Params)
	conf := outcome.Confidence
	if conf == model.ConfidenceOK && tainted {
		conf = model.ConfidenceDegraded
	}

	key := make(map[string]string, len(d.AggregationLevel))
	for i, l := range d.AggregationLevel {
		key[l] = g.parts[i]
	}
	ref := d.Name + "@" + keyStr

	res := groupResult{value: model.IndicatorValue{
		Indicator:            d.Name,
		Key:                  key,
		KeyOrder:             append([]string(nil), d.AggregationLevel...),
		Value:                outcome.Value,
		Confidence:           conf,
		ContributingFindings: uniqueSorted(contrib),
	}}
	if conf == model.ConfidenceUnavailable {
		res.value.Value = nil
	}

	if outcome.Finding != nil {
		f := *outcome.Finding
		f.RecordRef = ref
		res.findings = append(res.findings, f)
	}
	switch conf {
	case model.ConfidenceUnavailable:
		var missing []string
		for _, a := range args {
			if !a.OK {
				missing = append(missing, a.Name)
			}
		}
		res.findings = append(res.findings, model.Finding{
			Severity:      model.SeverityWarning,
			RuleID:        model.RuleIndicatorUnavailable,
			RecordRef:     ref,
			Field:         d.Name,
			Message:       fmt.Sprintf("%s unavailable for (%s): no usable value for %s", d.Name, keyStr, strings.Join(missing, ", ")),
			DetectedValue: missing,
		})
	case model.ConfidenceDegraded:
		if outcome.Finding != nil && !tainted {
			break
		}
		for _, a := range args {
			if !a.OK {
				reasons = append(reasons, "no usable value for "+a.Name)
			}
		}
		res.findings = append(res.findings, model.Finding{
			Severity:  model.SeverityWarning,
			RuleID:    model.RuleIndicatorDegraded,
			RecordRef: ref,
			Field:     d.Name,
			Message:   fmt.Sprintf("%s degraded for (%s): %s", d.Name, keyStr, strings.Join(uniqueSorted(reasons), "; ")),
		})
	}
	return res
}

func worstSeverity(fs []model.Finding) model.Severity {
	for _, f := range fs {
		if f.IsError() {
			return model.SeverityError
		}
	}
	return model.SeverityWarning
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	s := append([]string(nil), in...)
	sort.Strings(s)
	out := s[:1]
	for _, x := range s[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}
