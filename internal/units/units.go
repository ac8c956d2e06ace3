// Package units converts numeric values between the units raw extracts use
// and the units the canonical schema declares.
package units

import (
	"fmt"
	"strings"
)

// unit is a unit of some dimension with its factor relative to the
// dimension's base unit.
type unit struct {
	dimension string
	factor    float64
}

var table = map[string]unit{
	// mass (base: tonne)
	"g":  {"mass", 1e-6},
	"kg": {"mass", 1e-3},
	"t":  {"mass", 1},
	"kt": {"mass", 1e3},
	"mt": {"mass", 1e6},

	// headcount (base: person)
	"persons":   {"count", 1},
	"people":    {"count", 1},
	"count":     {"count", 1},
	"thousands": {"count", 1e3},
	"millions":  {"count", 1e6},

	// area (base: km2)
	"m2":  {"area", 1e-6},
	"ha":  {"area", 1e-2},
	"km2": {"area", 1},

	// proportions (base: ratio)
	"ratio":   {"fraction", 1},
	"percent": {"fraction", 1e-2},
}

var aliases = map[string]string{
	"tonnes":     "t",
	"tonne":      "t",
	"t_co2e":     "t",
	"tco2e":      "t",
	"kt_co2e":    "kt",
	"ktco2e":     "kt",
	"kt_co2":     "kt",
	"mt_co2e":    "mt",
	"population": "persons",
	"%":          "percent",
	"sq_km":      "km2",
}

// Conversion scales a value from one unit to another.
type Conversion struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Factor float64 `json:"factor"`
}

// Apply converts v.
func (c Conversion) Apply(v float64) float64 {
	return v * c.Factor
}

// Identity returns a conversion that leaves values unchanged.
func Identity(u string) Conversion {
	return Conversion{From: u, To: u, Factor: 1}
}

// Scale returns an explicit-factor conversion.
func Scale(from, to string, factor float64) Conversion {
	return Conversion{From: from, To: to, Factor: factor}
}

func normalize(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	if a, ok := aliases[u]; ok {
		return a
	}
	return u
}

// Lookup resolves the conversion between two units. An empty unit on either
// side, or two equal units, yields the identity.
func Lookup(from, to string) (Conversion, error) {
	nf, nt := normalize(from), normalize(to)
	if nf == "" || nt == "" || nf == nt {
		return Conversion{From: from, To: to, Factor: 1}, nil
	}
	uf, ok := table[nf]
	if !ok {
		return Conversion{}, fmt.Errorf("unknown unit %q", from)
	}
	ut, ok := table[nt]
	if !ok {
		return Conversion{}, fmt.Errorf("unknown unit %q", to)
	}
	if uf.dimension != ut.dimension {
		return Conversion{}, fmt.Errorf("cannot convert %s (%s) to %s (%s)", from, uf.dimension, to, ut.dimension)
	}
	return Conversion{From: from, To: to, Factor: uf.factor / ut.factor}, nil
}
