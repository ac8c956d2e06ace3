package pipeline

import (
	"context"
	"reflect"
	"testing"

	"evidence-pipeline/internal/model"
	"evidence-pipeline/internal/registry"
)

func TestHarmonizeIsDeterministic(t *testing.T) {
	t.Parallel()

	h := NewHarmonizer(testRegistry(t), 4, quietLogger())
	tables := scenarioTables()

	first, err := h.Harmonize(context.Background(), tables)
	if err != nil {
		t.Fatalf("Harmonize returned error: %v", err)
	}
	second, err := h.Harmonize(context.Background(), []model.RawTable{tables[1], tables[0]})
	if err != nil {
		t.Fatalf("Harmonize returned error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("harmonization depends on input order:\n%+v\n%+v", first.Records, second.Records)
	}

	var prev model.CanonicalRecord
	for i, rec := range first.Records {
		if i > 0 && (rec.SourceID < prev.SourceID || (rec.SourceID == prev.SourceID && rec.RowIndex <= prev.RowIndex)) {
			t.Fatalf("records not ordered by (source, row): %s after %s", rec.Ref, prev.Ref)
		}
		prev = rec
	}
}

func TestHarmonizeConvertsAndNormalizes(t *testing.T) {
	t.Parallel()

	res, err := NewHarmonizer(testRegistry(t), 1, quietLogger()).Harmonize(context.Background(), scenarioTables())
	if err != nil {
		t.Fatalf("Harmonize returned error: %v", err)
	}
	rec := res.Records[0]
	if rec.Ref != "emissions/2022-06-30#0" {
		t.Fatalf("unexpected ref %q", rec.Ref)
	}
	if rec.Values["region"] != "E06000001" {
		t.Fatalf("region not normalized: %#v", rec.Values["region"])
	}
	if rec.Values["co2_tonnes"] != 1500.0 {
		t.Fatalf("kt not converted to t: %#v", rec.Values["co2_tonnes"])
	}
	if rec.Values["year"] != 2020.0 {
		t.Fatalf("year not typed: %#v", rec.Values["year"])
	}
	if _, carried := rec.Values["pop_count"]; carried {
		t.Fatalf("emissions records must not carry unmapped fields")
	}
}

func TestProvenanceCompleteness(t *testing.T) {
	t.Parallel()

	tables := scenarioTables()
	res, err := NewHarmonizer(testRegistry(t), 2, quietLogger()).Harmonize(context.Background(), tables)
	if err != nil {
		t.Fatalf("Harmonize returned error: %v", err)
	}

	rows := map[string]model.RawRow{}
	for _, tbl := range tables {
		for i, r := range tbl.Rows {
			rows[tbl.Ref()+"#"+itoa(i)] = r
		}
	}

	for _, rec := range res.Records {
		raw, ok := rows[rec.Ref]
		if !ok {
			t.Fatalf("record %s does not point at a raw row", rec.Ref)
		}
		for field, v := range rec.Values {
			if v == nil {
				continue
			}
			p, ok := rec.Provenance[field]
			if !ok {
				t.Fatalf("%s.%s has no provenance", rec.Ref, field)
			}
			if p.SourceID != rec.SourceID {
				t.Fatalf("%s.%s provenance source %q", rec.Ref, field, p.SourceID)
			}
			if got, present := raw[p.RawColumn]; !present || got != p.RawValue {
				t.Fatalf("%s.%s provenance %q=%#v not in raw row", rec.Ref, field, p.RawColumn, p.RawValue)
			}
		}
	}
}

func itoa(i int) string {
	return model.FormatKeyValue(float64(i))
}

func TestHarmonizeExcludesUnresolvableKeys(t *testing.T) {
	t.Parallel()

	tables := []model.RawTable{
		table("emissions", "emissions_2020.csv", []string{"Code", "Year", "CO2 (kt)"},
			[]string{"E06000001", "2020", "1.5"},
			[]string{"  ", "2020", "2.0"},
			[]string{"E06000003", "twenty", "0.9"},
		),
	}
	res, err := NewHarmonizer(testRegistry(t), 1, quietLogger()).Harmonize(context.Background(), tables)
	if err != nil {
		t.Fatalf("Harmonize returned error: %v", err)
	}
	if len(res.Records) != 1 || res.Excluded != 2 {
		t.Fatalf("expected 1 record and 2 exclusions, got %d and %d", len(res.Records), res.Excluded)
	}
	keys := findingsWithRule(res.Findings, model.RuleUnresolvableKey)
	if len(keys) != 2 {
		t.Fatalf("expected 2 unresolvable-key findings, got %+v", res.Findings)
	}
	for _, f := range keys {
		if f.Severity != model.SeverityError || f.RecordRef == "" || f.ID == "" {
			t.Fatalf("malformed finding %+v", f)
		}
	}
	if keys[0].Field != "region" || keys[1].Field != "year" {
		t.Fatalf("findings should name the failing key field: %+v", keys)
	}
}

func TestHarmonizeMissingColumnIsAFinding(t *testing.T) {
	t.Parallel()

	tables := []model.RawTable{
		table("emissions", "emissions_2020.csv", []string{"Code", "Year"},
			[]string{"E06000001", "2020"},
			[]string{"E06000002", "2020"},
		),
	}
	res, err := NewHarmonizer(testRegistry(t), 1, quietLogger()).Harmonize(context.Background(), tables)
	if err != nil {
		t.Fatalf("missing column must not be fatal: %v", err)
	}
	missing := findingsWithRule(res.Findings, model.RuleMissingSourceColumn)
	if len(missing) != 1 || missing[0].Severity != model.SeverityError || missing[0].Field != "co2_tonnes" {
		t.Fatalf("expected one error missing-source-column finding, got %+v", res.Findings)
	}
	for _, rec := range res.Records {
		if v, carried := rec.Values["co2_tonnes"]; !carried || v != nil {
			t.Fatalf("co2_tonnes should be an explicit null, got %#v", v)
		}
		if !rec.Provenance["co2_tonnes"].Absent {
			t.Fatalf("provenance must mark the raw value absent")
		}
	}
}

func TestHarmonizeComputedMapping(t *testing.T) {
	t.Parallel()

	mappings := testMappings()
	mappings[0].Columns = []string{"Code", "Year", "Domestic (kt)", "Industry (kt)"}
	mappings[0].Fields["co2_tonnes"] = model.FieldMapping{Expr: "{Domestic (kt)} + {Industry (kt)}", Unit: "kt"}
	reg, err := registry.New(testSchema(), mappings)
	if err != nil {
		t.Fatalf("registry.New returned error: %v", err)
	}

	tables := []model.RawTable{
		table("emissions", "emissions_2020.csv", []string{"Code", "Year", "Domestic (kt)", "Industry (kt)"},
			[]string{"E06000001", "2020", "1.0", "0.5"},
			[]string{"E06000002", "2020", "1.0", ".."},
			[]string{"E06000003", "2020", "1.0", "n.a.x"},
		),
	}
	res, err := NewHarmonizer(reg, 1, quietLogger()).Harmonize(context.Background(), tables)
	if err != nil {
		t.Fatalf("Harmonize returned error: %v", err)
	}
	if got := res.Records[0].Values["co2_tonnes"]; got != 1500.0 {
		t.Fatalf("computed value = %#v, want 1500", got)
	}
	p := res.Records[0].Provenance["co2_tonnes"]
	if p.Expression == "" || len(p.Inputs) != 2 {
		t.Fatalf("computed provenance incomplete: %+v", p)
	}
	if got := res.Records[1].Values["co2_tonnes"]; got != nil {
		t.Fatalf("suppressed input should give null, got %#v", got)
	}
	if got := res.Records[2].Values["co2_tonnes"]; got != "n.a.x" {
		t.Fatalf("non-numeric input should be carried for validation, got %#v", got)
	}
}

func TestHarmonizeUnknownSource(t *testing.T) {
	t.Parallel()

	_, err := NewHarmonizer(testRegistry(t), 1, quietLogger()).Harmonize(context.Background(),
		[]model.RawTable{{SourceID: "gdp", Name: "gdp.csv"}})
	if !IsFatal(err) {
		t.Fatalf("expected fatal unknown source error, got %v", err)
	}
}
