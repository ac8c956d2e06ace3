package model

// Severity of a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s == SeverityError || s == SeverityWarning || s == SeverityInfo
}

// Stage that produced a finding.
const (
	StageHarmonize = "harmonize"
	StageValidate  = "validate"
	StageIndicator = "indicator"
)

// Rule identifiers emitted by the engine.
const (
	RuleUnresolvableKey     = "unresolvable-key"
	RuleMissingSourceColumn = "missing-source-column"
	RuleExpressionError     = "expression-error"
	RuleSchemaConformance   = "schema-conformance"
	RuleMissingRequired     = "missing-required-value"
	RuleNonNullable         = "non-nullable-null"
	RuleDuplicateKey        = "duplicate-key"
	RuleConflictingValue    = "conflicting-value"
	RuleTypeConformance     = "type-conformance"
	RuleRange               = "range"
	RulePattern             = "pattern-mismatch"
	RuleNullRate            = "null-rate"
	RuleOutlier             = "outlier"
	RuleReference           = "reference"

	RuleNonPositiveDenominator = "non-positive-denominator"
	RuleIndicatorDegraded      = "indicator-degraded"
	RuleIndicatorUnavailable   = "indicator-unavailable"
)

// Finding is an immutable observation about the data. RecordRef and Field
// are empty for batch-level findings.
type Finding struct {
	ID            string   `json:"id"`
	Stage         string   `json:"stage"`
	Severity      Severity `json:"severity"`
	RuleID        string   `json:"rule_id"`
	RecordRef     string   `json:"record_ref,omitempty"`
	Field         string   `json:"field,omitempty"`
	Message       string   `json:"message"`
	DetectedValue any      `json:"detected_value,omitempty"`
}

// IsError reports whether the finding makes a value untrusted.
func (f Finding) IsError() bool {
	return f.Severity == SeverityError
}
