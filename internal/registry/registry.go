// Package registry holds the canonical schema and the per-source field
// mappings for one run. A Registry is validated and compiled once by New and
// is read-only afterwards, so it can be shared by concurrent workers.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"evidence-pipeline/internal/expr"
	"evidence-pipeline/internal/model"
	"evidence-pipeline/internal/units"
)

// Field is a compiled field mapping: where the value comes from, how it is
// converted and whether the source must provide it.
type Field struct {
	Def        model.FieldDef
	Column     string     // set for column mappings
	Expr       *expr.Expr // set for computed mappings
	Conversion units.Conversion
	Required   bool
	Normalize  Normalizer // nil when no normalizers are configured
}

// Columns lists the raw columns the field reads.
func (f Field) Columns() []string {
	if f.Expr != nil {
		return f.Expr.Columns()
	}
	return []string{f.Column}
}

// Mapping is the compiled mapping of one source.
type Mapping struct {
	SourceID string
	Columns  []string // declared raw columns
	Fields   []Field  // canonical schema order
}

// Field returns the compiled mapping of one canonical field.
func (m *Mapping) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Def.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Registry is an immutable snapshot of schema and mappings.
type Registry struct {
	schema   model.CanonicalSchema
	specs    map[string]model.SourceMapping
	mappings map[string]*Mapping
	patterns map[string]*regexp.Regexp
	version  string
}

// New validates the schema and every mapping and compiles them. Any defect
// is returned as a *SchemaError or *MappingError; there is no partial registry.
func New(schema model.CanonicalSchema, sources []model.SourceMapping) (*Registry, error) {
	r := &Registry{
		schema:   schema,
		specs:    make(map[string]model.SourceMapping, len(sources)),
		mappings: make(map[string]*Mapping, len(sources)),
		patterns: make(map[string]*regexp.Regexp),
	}

	if err := r.checkSchema(); err != nil {
		return nil, err
	}

	for _, src := range sources {
		if src.SourceID == "" {
			return nil, &MappingError{Reason: "source id is empty"}
		}
		if _, dup := r.mappings[src.SourceID]; dup {
			return nil, &MappingError{SourceID: src.SourceID, Reason: "registered twice"}
		}
		m, err := r.compile(src)
		if err != nil {
			return nil, err
		}
		r.specs[src.SourceID] = src
		r.mappings[src.SourceID] = m
	}

	r.version = digest(schema, sources)
	return r, nil
}

func (r *Registry) checkSchema() error {
	if len(r.schema.Fields) == 0 {
		return &SchemaError{Reason: "no fields declared"}
	}
	seen := make(map[string]bool, len(r.schema.Fields))
	for _, f := range r.schema.Fields {
		if f.Name == "" {
			return &SchemaError{Reason: "field with empty name"}
		}
		if seen[f.Name] {
			return &SchemaError{Field: f.Name, Reason: "declared twice"}
		}
		seen[f.Name] = true
		if !f.Type.Valid() {
			return &SchemaError{Field: f.Name, Reason: fmt.Sprintf("unknown semantic type %q", f.Type)}
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return &SchemaError{Field: f.Name, Reason: "min is greater than max"}
		}
		if f.NullThreshold != nil && (*f.NullThreshold < 0 || *f.NullThreshold > 1) {
			return &SchemaError{Field: f.Name, Reason: "null_threshold must be within [0, 1]"}
		}
		if f.OutlierSigma != nil && *f.OutlierSigma <= 0 {
			return &SchemaError{Field: f.Name, Reason: "outlier_sigma must be positive"}
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return &SchemaError{Field: f.Name, Reason: fmt.Sprintf("bad pattern: %v", err)}
			}
			r.patterns[f.Name] = re
		}
	}
	if len(r.schema.Key) == 0 {
		return &SchemaError{Reason: "no key fields declared"}
	}
	for _, k := range r.schema.Key {
		if !seen[k] {
			return &SchemaError{Field: k, Reason: "key field is not declared"}
		}
	}
	return nil
}

func (r *Registry) compile(src model.SourceMapping) (*Mapping, error) {
	if len(src.Columns) == 0 {
		return nil, &MappingError{SourceID: src.SourceID, Reason: "no raw columns declared"}
	}
	declared := make(map[string]bool, len(src.Columns))
	for _, c := range src.Columns {
		declared[c] = true
	}

	names := make([]string, 0, len(src.Fields))
	for name := range src.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := r.schema.Field(name); !ok {
			return nil, &MappingError{SourceID: src.SourceID, Field: name, Reason: "not a canonical field"}
		}
	}

	m := &Mapping{SourceID: src.SourceID, Columns: append([]string(nil), src.Columns...)}
	for _, def := range r.schema.Fields {
		fm, ok := src.Fields[def.Name]
		if !ok {
			if r.schema.IsKey(def.Name) {
				return nil, &MappingError{SourceID: src.SourceID, Field: def.Name, Reason: "key field is not mapped"}
			}
			continue
		}
		f, err := compileField(def, fm)
		if err != nil {
			return nil, &MappingError{SourceID: src.SourceID, Field: def.Name, Reason: err.Error()}
		}
		for _, c := range f.Columns() {
			if !declared[c] {
				return nil, &MappingError{SourceID: src.SourceID, Field: def.Name, Reason: fmt.Sprintf("raw column %q is not declared by the source", c)}
			}
		}
		if r.schema.IsKey(def.Name) {
			f.Required = true
		}
		m.Fields = append(m.Fields, f)
	}
	return m, nil
}

func compileField(def model.FieldDef, fm model.FieldMapping) (Field, error) {
	f := Field{Def: def, Required: fm.Required}

	switch {
	case fm.Column != "" && fm.Expr != "":
		return f, fmt.Errorf("both column and expr are set")
	case fm.Column == "" && fm.Expr == "":
		return f, fmt.Errorf("neither column nor expr is set")
	case fm.Expr != "":
		if def.Type != model.TypeNumeric {
			return f, fmt.Errorf("expr mappings require a numeric field, got %s", def.Type)
		}
		e, err := expr.Parse(fm.Expr)
		if err != nil {
			return f, err
		}
		f.Expr = e
	default:
		f.Column = fm.Column
	}

	switch {
	case fm.Scale != nil:
		f.Conversion = units.Scale(fm.Unit, def.Unit, *fm.Scale)
	case def.Type == model.TypeNumeric:
		conv, err := units.Lookup(fm.Unit, def.Unit)
		if err != nil {
			return f, fmt.Errorf("no unit conversion: %w", err)
		}
		f.Conversion = conv
	default:
		if fm.Unit != "" && fm.Unit != def.Unit {
			return f, fmt.Errorf("unit %q on a %s field", fm.Unit, def.Type)
		}
		f.Conversion = units.Identity(def.Unit)
	}

	norm, err := chain(fm.Normalize)
	if err != nil {
		return f, err
	}
	f.Normalize = norm
	return f, nil
}

// digest derives a stable version from the schema version and a hash of the
// full configuration, so two runs report the same version only when they
// used the same schema and mappings.
func digest(schema model.CanonicalSchema, sources []model.SourceMapping) string {
	sorted := append([]model.SourceMapping(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })

	// Map keys are sorted by encoding/json, so the encoding is deterministic.
	b, _ := json.Marshal(struct {
		Schema  model.CanonicalSchema `json:"schema"`
		Sources []model.SourceMapping `json:"sources"`
	}{schema, sorted})
	sum := sha256.Sum256(b)

	v := schema.Version
	if v == "" {
		v = "unversioned"
	}
	return v + "@" + hex.EncodeToString(sum[:4])
}

// GetMapping returns the compiled mapping of a source.
func (r *Registry) GetMapping(sourceID string) (*Mapping, error) {
	m, ok := r.mappings[sourceID]
	if !ok {
		return nil, &UnknownSourceError{SourceID: sourceID}
	}
	return m, nil
}

// GetSpec returns the mapping as it was declared.
func (r *Registry) GetSpec(sourceID string) (model.SourceMapping, error) {
	s, ok := r.specs[sourceID]
	if !ok {
		return model.SourceMapping{}, &UnknownSourceError{SourceID: sourceID}
	}
	return s, nil
}

// GetSchema returns a copy of the canonical schema.
func (r *Registry) GetSchema() model.CanonicalSchema {
	s := r.schema
	s.Key = append([]string(nil), r.schema.Key...)
	s.Fields = append([]model.FieldDef(nil), r.schema.Fields...)
	return s
}

// Key returns the key tuple field names.
func (r *Registry) Key() []string {
	return append([]string(nil), r.schema.Key...)
}

// Pattern returns the compiled pattern of a field, or nil.
func (r *Registry) Pattern(field string) *regexp.Regexp {
	return r.patterns[field]
}

// Sources lists the registered source ids in sorted order.
func (r *Registry) Sources() []string {
	ids := make([]string, 0, len(r.mappings))
	for id := range r.mappings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Version identifies the schema and mapping set of this snapshot.
func (r *Registry) Version() string {
	return r.version
}
