package pipeline

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"evidence-pipeline/internal/model"
	"evidence-pipeline/internal/registry"
)

func ptr(f float64) *float64 { return &f }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSchema() model.CanonicalSchema {
	return model.CanonicalSchema{
		Version: "test",
		Key:     []string{"region", "year"},
		Fields: []model.FieldDef{
			{Name: "region", Type: model.TypeID, Pattern: `^[EW][0-9]{8}$`},
			{Name: "year", Type: model.TypeNumeric, Min: ptr(2005), Max: ptr(2022)},
			{Name: "co2_tonnes", Type: model.TypeNumeric, Unit: "t", Nullable: true, Min: ptr(0)},
			{Name: "pop_count", Type: model.TypeNumeric, Unit: "persons", Nullable: true, Min: ptr(0)},
		},
	}
}

func testMappings() []model.SourceMapping {
	return []model.SourceMapping{
		{
			SourceID: "emissions",
			Columns:  []string{"Code", "Year", "CO2 (kt)"},
			Fields: map[string]model.FieldMapping{
				"region":     {Column: "Code", Normalize: []string{"trim", "upper"}},
				"year":       {Column: "Year"},
				"co2_tonnes": {Column: "CO2 (kt)", Unit: "kt", Required: true},
			},
		},
		{
			SourceID: "population",
			Columns:  []string{"region", "year", "pop_count"},
			Fields: map[string]model.FieldMapping{
				"region":    {Column: "region"},
				"year":      {Column: "year"},
				"pop_count": {Column: "pop_count", Required: true},
			},
		},
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(testSchema(), testMappings())
	if err != nil {
		t.Fatalf("registry.New returned error: %v", err)
	}
	return reg
}

var extract = time.Date(2022, 6, 30, 0, 0, 0, 0, time.UTC)

func table(source, name string, columns []string, rows ...[]string) model.RawTable {
	t := model.RawTable{SourceID: source, ExtractDate: extract, Name: name, Columns: columns}
	for _, r := range rows {
		row := make(model.RawRow, len(r))
		for i, v := range r {
			if i < len(columns) {
				row[columns[i]] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// scenarioTables returns the emissions and population extracts:
// E06000001 has both inputs, E06000002 has no population row,
// E06000003 has a zero population and E06000004 a suppressed one.
func scenarioTables() []model.RawTable {
	return []model.RawTable{
		table("emissions", "emissions_2020.csv", []string{"Code", "Year", "CO2 (kt)"},
			[]string{" e06000001", "2020", "1.5"},
			[]string{"E06000002", "2020", "2.0"},
			[]string{"E06000003", "2020", "0.9"},
			[]string{"E06000004", "2020", "1.1"},
		),
		table("population", "population_2020.csv", []string{"region", "year", "pop_count"},
			[]string{"E06000001", "2020", "1000"},
			[]string{"E06000003", "2020", "0"},
			[]string{"E06000004", "2020", ".."},
		),
	}
}

func perCapita() model.IndicatorDefinition {
	return model.IndicatorDefinition{
		Name:             "co2_per_capita",
		Inputs:           []string{"co2_tonnes", "pop_count"},
		Compute:          "ratio",
		AggregationLevel: []string{"region", "year"},
	}
}

func findingsWithRule(fs []model.Finding, rule string) []model.Finding {
	var out []model.Finding
	for _, f := range fs {
		if f.RuleID == rule {
			out = append(out, f)
		}
	}
	return out
}

func valueAt(t *testing.T, vals []model.IndicatorValue, indicator string, key ...string) model.IndicatorValue {
	t.Helper()
	want := model.JoinKey(key)
	for _, v := range vals {
		if v.Indicator == indicator && v.KeyString() == want {
			return v
		}
	}
	t.Fatalf("no value for %s at %s", indicator, want)
	return model.IndicatorValue{}
}
