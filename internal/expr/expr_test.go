package expr

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func lookupFrom(m map[string]float64) Lookup {
	return func(col string) (float64, bool) {
		v, ok := m[col]
		return v, ok
	}
}

func TestParseAndEval(t *testing.T) {
	t.Parallel()

	vars := map[string]float64{"a": 6, "b": 3, "Total CO2 (kt)": 1.5}
	tests := []struct {
		src  string
		want float64
	}{
		{"{a} + {b}", 9},
		{"{a} - {b} * 2", 0},
		{"({a} - {b}) * 2", 6},
		{"{a} / {b}", 2},
		{"-{a} + 10", 4},
		{"{Total CO2 (kt)} * 1000", 1500},
		{"2.5e1", 25},
	}

	for _, tt := range tests {
		e, err := Parse(tt.src)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", tt.src, err)
		}
		got, err := e.Eval(lookupFrom(vars))
		if err != nil {
			t.Fatalf("Eval(%q) returned error: %v", tt.src, err)
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("Eval(%q) = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestColumnsInFirstUseOrder(t *testing.T) {
	t.Parallel()

	e, err := Parse("{b} + {a} * {b}")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got, want := e.Columns(), []string{"b", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Columns() = %v, want %v", got, want)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	for _, src := range []string{"", "{a} +", "({a}", "{a} % 2", "{}", "{a", "1..2"} {
		if _, err := Parse(src); err == nil {
			t.Fatalf("Parse(%q) expected error", src)
		}
	}
}

func TestEvalErrors(t *testing.T) {
	t.Parallel()

	e, err := Parse("{a} / {b}")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if _, err := e.Eval(lookupFrom(map[string]float64{"a": 1})); !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
	if _, err := e.Eval(lookupFrom(map[string]float64{"a": 1, "b": 0})); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}
