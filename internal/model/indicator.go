package model

// Confidence of a computed indicator value.
type Confidence string

const (
	ConfidenceOK          Confidence = "ok"
	ConfidenceDegraded    Confidence = "degraded"
	ConfidenceUnavailable Confidence = "unavailable"
)

// IndicatorDefinition declares a derived metric. Inputs name canonical
// fields or other indicators; Compute names a registered compute function.
type IndicatorDefinition struct {
	Name             string             `json:"name" yaml:"name"`
	Description      string             `json:"description,omitempty" yaml:"description"`
	Inputs           []string           `json:"inputs" yaml:"inputs"`
	Compute          string             `json:"compute" yaml:"compute"`
	Params           map[string]float64 `json:"params,omitempty" yaml:"params"`
	AggregationLevel []string           `json:"aggregation_level" yaml:"aggregation_level"`
	Reduce           string             `json:"reduce,omitempty" yaml:"reduce"` // how several inputs in a group combine; default sum
	Unit             string             `json:"unit,omitempty" yaml:"unit"`
}

// IndicatorValue is one indicator at one aggregation key. Value is nil when
// no number could be produced; Confidence is always set.
type IndicatorValue struct {
	Indicator            string            `json:"indicator"`
	Key                  map[string]string `json:"key"`
	KeyOrder             []string          `json:"key_order"`
	Value                *float64          `json:"value"`
	Confidence           Confidence        `json:"confidence"`
	ContributingFindings []string          `json:"contributing_findings,omitempty"`
}

// KeyString renders the aggregation key in level order.
func (v IndicatorValue) KeyString() string {
	parts := make([]string, len(v.KeyOrder))
	for i, k := range v.KeyOrder {
		parts[i] = v.Key[k]
	}
	return JoinKey(parts)
}
