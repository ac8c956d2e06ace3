package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"evidence-pipeline/internal/model"
)

func skipped(rule, field, reason string) model.Finding {
	return model.Finding{
		Severity: model.SeverityWarning,
		RuleID:   rule,
		Field:    field,
		Message:  "rule skipped: " + reason,
	}
}

// checkSchemaConformance flags fields a record carries that the schema does
// not declare, and schema fields no record in the batch carries at all.
func checkSchemaConformance(b *Batch) []model.Finding {
	var out []model.Finding
	carried := make(map[string]bool)
	for _, rec := range b.Records {
		var unexpected []string
		for name := range rec.Values {
			if _, ok := b.Schema.Field(name); !ok {
				unexpected = append(unexpected, name)
				continue
			}
			carried[name] = true
		}
		sort.Strings(unexpected)
		for _, name := range unexpected {
			out = append(out, model.Finding{
				Severity:      model.SeverityError,
				RuleID:        model.RuleSchemaConformance,
				RecordRef:     rec.Ref,
				Field:         name,
				Message:       fmt.Sprintf("field %s is not part of the canonical schema", name),
				DetectedValue: rec.Values[name],
			})
		}
		for _, k := range b.Schema.Key {
			if !rec.Has(k) {
				out = append(out, model.Finding{
					Severity:  model.SeverityError,
					RuleID:    model.RuleSchemaConformance,
					RecordRef: rec.Ref,
					Field:     k,
					Message:   fmt.Sprintf("key field %s is missing", k),
				})
			}
		}
	}
	if len(b.Records) == 0 {
		return out
	}
	for _, f := range b.Schema.Fields {
		if !carried[f.Name] && !b.Schema.IsKey(f.Name) {
			out = append(out, model.Finding{
				Severity: model.SeverityInfo,
				RuleID:   model.RuleSchemaConformance,
				Field:    f.Name,
				Message:  fmt.Sprintf("no record in the batch provides %s", f.Name),
			})
		}
	}
	return out
}

// checkRequired flags required mapped fields that came out null.
func checkRequired(b *Batch) []model.Finding {
	var out []model.Finding
	for _, rec := range b.Records {
		m, err := b.Registry.GetMapping(rec.SourceID)
		if err != nil {
			continue
		}
		for _, f := range m.Fields {
			if !f.Required || !rec.Has(f.Def.Name) || rec.Values[f.Def.Name] != nil {
				continue
			}
			prov := rec.Provenance[f.Def.Name]
			msg := fmt.Sprintf("required field %s is blank", f.Def.Name)
			if prov.Absent {
				msg = fmt.Sprintf("required field %s is absent from the raw row", f.Def.Name)
			}
			out = append(out, model.Finding{
				Severity:      model.SeverityError,
				RuleID:        model.RuleMissingRequired,
				RecordRef:     rec.Ref,
				Field:         f.Def.Name,
				Message:       msg,
				DetectedValue: prov.RawValue,
			})
		}
	}
	return out
}

// checkNonNullable flags nulls in fields the schema declares non-nullable.
// Required mappings are reported by checkRequired instead.
func checkNonNullable(b *Batch) []model.Finding {
	var out []model.Finding
	for _, rec := range b.Records {
		m, _ := b.Registry.GetMapping(rec.SourceID)
		for _, def := range b.Schema.Fields {
			if def.Nullable || b.Schema.IsKey(def.Name) || !rec.Has(def.Name) || rec.Values[def.Name] != nil {
				continue
			}
			if m != nil {
				if f, ok := m.Field(def.Name); ok && f.Required {
					continue
				}
			}
			out = append(out, model.Finding{
				Severity:      model.SeverityError,
				RuleID:        model.RuleNonNullable,
				RecordRef:     rec.Ref,
				Field:         def.Name,
				Message:       fmt.Sprintf("field %s is not nullable", def.Name),
				DetectedValue: rec.Provenance[def.Name].RawValue,
			})
		}
	}
	return out
}

// checkDuplicateKeys enforces key uniqueness within each source. Every
// occurrence after the first is an error on the whole record. Across sources
// records may share a key to join their fields, but each non-key field of a
// key has a single supplier: a later record carrying it again gets a
// conflicting-value error on that field.
func checkDuplicateKeys(b *Batch) []model.Finding {
	var out []model.Finding
	first := make(map[string]string)
	supplier := make(map[string]string)
	for _, rec := range b.Records {
		key := model.JoinKey(rec.KeyTuple(b.Schema.Key))
		scoped := rec.SourceID + "\x00" + key
		if ref, dup := first[scoped]; dup {
			out = append(out, model.Finding{
				Severity:      model.SeverityError,
				RuleID:        model.RuleDuplicateKey,
				RecordRef:     rec.Ref,
				Message:       fmt.Sprintf("key (%s) already used by %s", strings.Join(b.Schema.Key, ", "), ref),
				DetectedValue: key,
			})
			continue
		}
		first[scoped] = rec.Ref

		fields := make([]string, 0, len(rec.Values))
		for name := range rec.Values {
			if !b.Schema.IsKey(name) {
				fields = append(fields, name)
			}
		}
		sort.Strings(fields)
		for _, name := range fields {
			slot := key + "\x00" + name
			ref, taken := supplier[slot]
			if !taken {
				supplier[slot] = rec.Ref
				continue
			}
			out = append(out, model.Finding{
				Severity:      model.SeverityError,
				RuleID:        model.RuleConflictingValue,
				RecordRef:     rec.Ref,
				Field:         name,
				Message:       fmt.Sprintf("%s for key (%s) is already supplied by %s", name, key, ref),
				DetectedValue: rec.Values[name],
			})
		}
	}
	return out
}

// checkTypes flags non-null values that do not match the field's semantic type.
func checkTypes(b *Batch) []model.Finding {
	var out []model.Finding
	for _, rec := range b.Records {
		for _, def := range b.Schema.Fields {
			v, ok := rec.Values[def.Name]
			if !ok || v == nil {
				continue
			}
			if conforms(def.Type, v) {
				continue
			}
			out = append(out, model.Finding{
				Severity:      model.SeverityError,
				RuleID:        model.RuleTypeConformance,
				RecordRef:     rec.Ref,
				Field:         def.Name,
				Message:       fmt.Sprintf("field %s expects a %s value, got %T %v", def.Name, def.Type, v, v),
				DetectedValue: v,
			})
		}
	}
	return out
}

// finite returns v as a number when it is a finite float64. Non-finite
// values are left to the type rule.
func finite(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func conforms(t model.SemanticType, v any) bool {
	switch t {
	case model.TypeNumeric:
		_, ok := finite(v)
		return ok
	case model.TypeDate:
		_, ok := v.(time.Time)
		return ok
	default:
		_, ok := v.(string)
		return ok
	}
}

// checkRanges enforces the declared min/max of numeric fields.
func checkRanges(b *Batch) []model.Finding {
	var out []model.Finding
	for _, def := range b.Schema.Fields {
		if def.Min == nil && def.Max == nil {
			continue
		}
		for _, rec := range b.Records {
			v, ok := finite(rec.Values[def.Name])
			if !ok {
				continue
			}
			var msg string
			switch {
			case def.Min != nil && v < *def.Min:
				msg = fmt.Sprintf("%s below minimum: got %v, want >= %v", def.Name, v, *def.Min)
			case def.Max != nil && v > *def.Max:
				msg = fmt.Sprintf("%s above maximum: got %v, want <= %v", def.Name, v, *def.Max)
			default:
				continue
			}
			out = append(out, model.Finding{
				Severity:      model.SeverityError,
				RuleID:        model.RuleRange,
				RecordRef:     rec.Ref,
				Field:         def.Name,
				Message:       msg,
				DetectedValue: v,
			})
		}
	}
	return out
}

// checkPatterns matches string values against the field's pattern.
func checkPatterns(b *Batch) []model.Finding {
	var out []model.Finding
	for _, def := range b.Schema.Fields {
		re := b.Registry.Pattern(def.Name)
		if re == nil {
			continue
		}
		for _, rec := range b.Records {
			s, ok := rec.Values[def.Name].(string)
			if !ok || re.MatchString(s) {
				continue
			}
			out = append(out, model.Finding{
				Severity:      model.SeverityError,
				RuleID:        model.RulePattern,
				RecordRef:     rec.Ref,
				Field:         def.Name,
				Message:       fmt.Sprintf("%s %q does not match %s", def.Name, s, re),
				DetectedValue: s,
			})
		}
	}
	return out
}

// checkNullRates flags fields whose null fraction, among the records that
// carry them, exceeds the threshold.
func checkNullRates(b *Batch) []model.Finding {
	var out []model.Finding
	for _, def := range b.Schema.Fields {
		threshold := def.NullThreshold
		if threshold == nil {
			threshold = b.Options.NullThreshold
		}
		if threshold == nil {
			continue
		}
		var carried, nulls int
		for _, rec := range b.Records {
			v, ok := rec.Values[def.Name]
			if !ok {
				continue
			}
			carried++
			if v == nil {
				nulls++
			}
		}
		if carried == 0 {
			continue
		}
		rate := float64(nulls) / float64(carried)
		if rate <= *threshold {
			continue
		}
		out = append(out, model.Finding{
			Severity:      model.SeverityWarning,
			RuleID:        model.RuleNullRate,
			Field:         def.Name,
			Message:       fmt.Sprintf("%s is null in %d of %d records (%.1f%% > %.1f%%)", def.Name, nulls, carried, rate*100, *threshold*100),
			DetectedValue: rate,
		})
	}
	return out
}

// checkOutliers flags numeric values more than N standard deviations from
// the batch mean of their field.
func checkOutliers(b *Batch) []model.Finding {
	var out []model.Finding
	for _, def := range b.Schema.Fields {
		if def.Type != model.TypeNumeric || b.Schema.IsKey(def.Name) {
			continue
		}
		sigma := def.OutlierSigma
		if sigma == nil {
			sigma = b.Options.OutlierSigma
		}
		if sigma == nil {
			continue
		}

		type sample struct {
			ref string
			v   float64
		}
		var samples []sample
		for _, rec := range b.Records {
			if v, ok := finite(rec.Values[def.Name]); ok {
				samples = append(samples, sample{rec.Ref, v})
			}
		}
		if len(samples) == 0 {
			continue
		}
		if len(samples) < b.Options.MinOutlierSamples {
			out = append(out, skipped(model.RuleOutlier, def.Name,
				fmt.Sprintf("%d values of %s, need at least %d", len(samples), def.Name, b.Options.MinOutlierSamples)))
			continue
		}

		var sum float64
		for _, s := range samples {
			sum += s.v
		}
		mean := sum / float64(len(samples))
		var ss float64
		for _, s := range samples {
			ss += (s.v - mean) * (s.v - mean)
		}
		sd := math.Sqrt(ss / float64(len(samples)))
		if sd == 0 {
			continue
		}
		for _, s := range samples {
			z := (s.v - mean) / sd
			if math.Abs(z) <= *sigma {
				continue
			}
			out = append(out, model.Finding{
				Severity:      model.SeverityWarning,
				RuleID:        model.RuleOutlier,
				RecordRef:     s.ref,
				Field:         def.Name,
				Message:       fmt.Sprintf("%s = %v is %.1f standard deviations from the batch mean %.4g", def.Name, s.v, z, mean),
				DetectedValue: s.v,
			})
		}
	}
	return out
}

// checkReferences checks code values against configured reference lists.
func checkReferences(b *Batch) []model.Finding {
	if len(b.Options.References) == 0 {
		return []model.Finding{skipped(model.RuleReference, "", "no reference lists configured")}
	}

	fields := make([]string, 0, len(b.Options.References))
	for f := range b.Options.References {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var out []model.Finding
	for _, field := range fields {
		list := b.Options.References[field]
		if _, ok := b.Schema.Field(field); !ok {
			out = append(out, skipped(model.RuleReference, field, fmt.Sprintf("%s is not a canonical field", field)))
			continue
		}
		if len(list) == 0 {
			out = append(out, skipped(model.RuleReference, field, fmt.Sprintf("reference list for %s is empty", field)))
			continue
		}
		known := make(map[string]bool, len(list))
		for _, v := range list {
			known[v] = true
		}
		for _, rec := range b.Records {
			v, ok := rec.Values[field]
			if !ok || v == nil {
				continue
			}
			code := model.FormatKeyValue(v)
			if known[code] {
				continue
			}
			out = append(out, model.Finding{
				Severity:      model.SeverityError,
				RuleID:        model.RuleReference,
				RecordRef:     rec.Ref,
				Field:         field,
				Message:       fmt.Sprintf("%s %q is not in the reference list", field, code),
				DetectedValue: v,
			})
		}
	}
	return out
}
