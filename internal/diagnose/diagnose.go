// Package diagnose turns the findings of a run into suggested actions. It
// only reads findings and never changes data.
package diagnose

import (
	"fmt"
	"sort"

	"evidence-pipeline/internal/model"
)

// maxExamples bounds the record refs quoted per action.
const maxExamples = 3

// Action is one suggested remediation covering every finding of a rule.
type Action struct {
	RuleID      string         `json:"rule_id"`
	Severity    model.Severity `json:"severity"`
	Count       int            `json:"count"`
	Fields      []string       `json:"fields,omitempty"`
	Examples    []string       `json:"examples,omitempty"`
	Remediation string         `json:"remediation"`
}

var remediations = map[string]string{
	model.RuleUnresolvableKey:     "Rows without a usable key were dropped. Check whether they are subtotal or sector rows rather than area rows, and fix or filter them at the source.",
	model.RuleMissingSourceColumn: "A declared column is missing from the extract. The publisher may have renamed it; update the source mapping.",
	model.RuleExpressionError:     "A computed mapping could not be evaluated. Check the expression inputs for unexpected zeros or text.",
	model.RuleSchemaConformance:   "Records carry fields outside the canonical schema or miss key fields. Review the mapping against the schema.",
	model.RuleMissingRequired:     "Investigate missing required values; suppressed cells in the extract are often structural for non-area rows.",
	model.RuleNonNullable:         "A non-nullable field is empty. Either backfill the value or relax nullability in the schema.",
	model.RuleDuplicateKey:        "Several rows share a key within one source. Deduplicate the extract or widen the key.",
	model.RuleConflictingValue:    "Several sources supply the same field for one key. Map the field from a single source or retire the superseded extract.",
	model.RuleTypeConformance:     "Values do not parse as their declared type. Check number formatting and footnote markers in the extract.",
	model.RuleRange:               "Remove or correct values outside the declared range.",
	model.RulePattern:             "Identifiers do not match the expected code format. They often correspond to aggregate or sector entries.",
	model.RuleNullRate:            "A field is mostly empty in this batch. Confirm coverage with the publisher before relying on it.",
	model.RuleOutlier:             "Values are far from the batch mean. Confirm them against the publication before use.",
	model.RuleReference:           "Codes are not in the reference list. Update the list if boundaries changed, otherwise fix the codes.",

	model.RuleNonPositiveDenominator: "A denominator is zero or negative, so the ratio is undefined for those keys.",
	model.RuleIndicatorDegraded:      "Indicator values rest on inputs with findings. Resolve the upstream findings they cite.",
	model.RuleIndicatorUnavailable:   "Indicator values could not be computed for some keys. Supply the missing inputs or accept the gap.",
}

const genericRemediation = "Review the findings for this rule."

// NoIssues is the only action returned for a run without warnings or errors.
var NoIssues = Action{Severity: model.SeverityInfo, Remediation: "No major issues detected. Data appears structurally sound."}

func rank(s model.Severity) int {
	switch s {
	case model.SeverityError:
		return 0
	case model.SeverityWarning:
		return 1
	default:
		return 2
	}
}

// Suggest groups findings by rule. Info findings are ignored. Actions are
// ordered by severity, then by count, then by rule.
func Suggest(findings []model.Finding) []Action {
	byRule := make(map[string]*Action)
	fields := make(map[string]map[string]bool)
	for _, f := range findings {
		if f.Severity == model.SeverityInfo {
			continue
		}
		a, ok := byRule[f.RuleID]
		if !ok {
			a = &Action{RuleID: f.RuleID, Severity: f.Severity}
			if r, known := remediations[f.RuleID]; known {
				a.Remediation = r
			} else {
				a.Remediation = genericRemediation
			}
			byRule[f.RuleID] = a
			fields[f.RuleID] = make(map[string]bool)
		}
		a.Count++
		if rank(f.Severity) < rank(a.Severity) {
			a.Severity = f.Severity
		}
		if f.Field != "" && !fields[f.RuleID][f.Field] {
			fields[f.RuleID][f.Field] = true
			a.Fields = append(a.Fields, f.Field)
		}
		if f.RecordRef != "" && len(a.Examples) < maxExamples {
			a.Examples = append(a.Examples, f.RecordRef)
		}
	}

	if len(byRule) == 0 {
		return []Action{NoIssues}
	}

	out := make([]Action, 0, len(byRule))
	for _, a := range byRule {
		sort.Strings(a.Fields)
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := rank(out[i].Severity), rank(out[j].Severity); ri != rj {
			return ri < rj
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

// String renders an action as one line for CLI output.
func (a Action) String() string {
	if a.RuleID == "" {
		return a.Remediation
	}
	return fmt.Sprintf("[%s] %s x%d: %s", a.Severity, a.RuleID, a.Count, a.Remediation)
}
