package model

import (
	"fmt"
	"strings"
)

// RawCell is one raw input that contributed to a canonical value.
type RawCell struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
	Absent bool   `json:"absent,omitempty"`
}

// Provenance links a canonical value back to its raw origin. Column mappings
// fill RawColumn/RawValue; expression mappings fill Expression and Inputs.
// Absent is set when the raw column was missing from the row.
type Provenance struct {
	SourceID   string    `json:"source_id"`
	RawColumn  string    `json:"raw_column,omitempty"`
	RawValue   any       `json:"raw_value"`
	Absent     bool      `json:"absent,omitempty"`
	Expression string    `json:"expression,omitempty"`
	Inputs     []RawCell `json:"inputs,omitempty"`
}

// CanonicalRecord is one harmonized row. Values holds only the fields its
// source maps; a nil value is a null. Records are never modified after the
// harmonizer creates them.
type CanonicalRecord struct {
	Ref        string                `json:"ref"` // source/extract#row
	SourceID   string                `json:"source_id"`
	RowIndex   int                   `json:"row_index"`
	Values     map[string]any        `json:"values"`
	Provenance map[string]Provenance `json:"provenance"`
}

// Has reports whether the record carries the field at all (null or not).
func (r CanonicalRecord) Has(field string) bool {
	_, ok := r.Values[field]
	return ok
}

// KeyTuple renders the record's key values in key order.
func (r CanonicalRecord) KeyTuple(key []string) []string {
	out := make([]string, len(key))
	for i, k := range key {
		out[i] = FormatKeyValue(r.Values[k])
	}
	return out
}

// FormatKeyValue renders a key value so that 2020, 2020.0 and "2020" agree.
func FormatKeyValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// JoinKey joins key parts into a single map key. A | or \ inside a part is
// escaped, so distinct tuples never join to the same string.
func JoinKey(parts []string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = keyEscaper.Replace(p)
	}
	return strings.Join(escaped, "|")
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)
