package units

import (
	"math"
	"testing"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to string
		in, want float64
	}{
		{"kt", "t", 1.5, 1500},
		{"kt_co2e", "t", 2, 2000},
		{"t", "kt", 500, 0.5},
		{"thousands", "persons", 12.3, 12300},
		{"percent", "ratio", 25, 0.25},
		{"ha", "km2", 100, 1},
		{"", "t", 7, 7},
		{"persons", "persons", 3, 3},
	}

	for _, tt := range tests {
		conv, err := Lookup(tt.from, tt.to)
		if err != nil {
			t.Fatalf("Lookup(%q, %q) returned error: %v", tt.from, tt.to, err)
		}
		if got := conv.Apply(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("Lookup(%q, %q).Apply(%v) = %v, want %v", tt.from, tt.to, tt.in, got, tt.want)
		}
	}
}

func TestLookupRejectsIncompatibleUnits(t *testing.T) {
	t.Parallel()

	if _, err := Lookup("kt", "persons"); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
	if _, err := Lookup("furlongs", "km2"); err == nil {
		t.Fatalf("expected unknown unit error")
	}
}
