package model

// SemanticType is the analytical type of a canonical field.
type SemanticType string

const (
	TypeNumeric     SemanticType = "numeric"
	TypeCategorical SemanticType = "categorical"
	TypeDate        SemanticType = "date"
	TypeID          SemanticType = "id"
)

// Valid reports whether t is one of the known semantic types.
func (t SemanticType) Valid() bool {
	switch t {
	case TypeNumeric, TypeCategorical, TypeDate, TypeID:
		return true
	}
	return false
}

// FieldDef declares one canonical field and its quality options.
type FieldDef struct {
	Name     string       `json:"name" yaml:"name"`
	Type     SemanticType `json:"type" yaml:"type"`
	Unit     string       `json:"unit,omitempty" yaml:"unit"`
	Nullable bool         `json:"nullable" yaml:"nullable"`

	Min           *float64 `json:"min,omitempty" yaml:"min"`
	Max           *float64 `json:"max,omitempty" yaml:"max"`
	Pattern       string   `json:"pattern,omitempty" yaml:"pattern"`
	NullThreshold *float64 `json:"null_threshold,omitempty" yaml:"null_threshold"`
	OutlierSigma  *float64 `json:"outlier_sigma,omitempty" yaml:"outlier_sigma"`
}

// CanonicalSchema is the ordered set of canonical fields plus the key tuple
// that identifies a record (e.g. region, year).
type CanonicalSchema struct {
	Version string     `json:"version" yaml:"version"`
	Key     []string   `json:"key" yaml:"key"`
	Fields  []FieldDef `json:"fields" yaml:"fields"`
}

// Field looks up a field definition by name.
func (s CanonicalSchema) Field(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldNames returns the field names in declaration order.
func (s CanonicalSchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// IsKey reports whether name is part of the key tuple.
func (s CanonicalSchema) IsKey(name string) bool {
	for _, k := range s.Key {
		if k == name {
			return true
		}
	}
	return false
}

// FieldMapping says how one canonical field is filled from a raw table.
// Exactly one of Column and Expr is set.
type FieldMapping struct {
	Column    string   `json:"column,omitempty" yaml:"column"`
	Expr      string   `json:"expr,omitempty" yaml:"expr"`
	Unit      string   `json:"unit,omitempty" yaml:"unit"`   // source unit; converted to the field unit
	Scale     *float64 `json:"scale,omitempty" yaml:"scale"` // explicit factor, overrides the unit table
	Required  bool     `json:"required" yaml:"required"`
	Normalize []string `json:"normalize,omitempty" yaml:"normalize"` // trim, upper, lower, title
}

// SourceMapping is the per-source mapping spec held by the registry.
type SourceMapping struct {
	SourceID string                  `json:"source_id" yaml:"id"`
	Columns  []string                `json:"columns" yaml:"columns"` // declared raw schema
	Fields   map[string]FieldMapping `json:"fields" yaml:"fields"`   // canonical field -> mapping
}
