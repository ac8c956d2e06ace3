package pipeline

import (
	"fmt"

	"evidence-pipeline/internal/model"
)

// Arg is one reduced input handed to a compute function.
type Arg struct {
	Name  string
	Value float64
	OK    bool // false when the input has no usable value for this key
}

// Outcome is the result of a compute function for one aggregation key.
type Outcome struct {
	Value      *float64
	Confidence model.Confidence
	Finding    *model.Finding // optional data finding raised by the function
}

// ComputeFunc is pure and total: missing data yields an unavailable or
// degraded outcome, never a panic.
type ComputeFunc func(args []Arg, params map[string]float64) Outcome

type computeSpec struct {
	fn      ComputeFunc
	minArgs int
	maxArgs int // 0 means unbounded
}

var computeFuncs = map[string]computeSpec{
	"ratio":      {fn: computeRatio(1), minArgs: 2, maxArgs: 2},
	"share":      {fn: computeRatio(100), minArgs: 2, maxArgs: 2},
	"difference": {fn: computeDifference, minArgs: 2, maxArgs: 2},
	"product":    {fn: computeProduct, minArgs: 1},
	"sum":        {fn: computeSum, minArgs: 1},
	"scale":      {fn: computeScale, minArgs: 1, maxArgs: 1},
}

func okValue(v float64) Outcome {
	return Outcome{Value: &v, Confidence: model.ConfidenceOK}
}

func unavailable() Outcome {
	return Outcome{Confidence: model.ConfidenceUnavailable}
}

// computeRatio divides the first input by the second. A non-positive
// denominator gives no value, degraded confidence and a finding.
func computeRatio(factor float64) ComputeFunc {
	return func(args []Arg, _ map[string]float64) Outcome {
		num, den := args[0], args[1]
		if !num.OK || !den.OK {
			return unavailable()
		}
		if den.Value <= 0 {
			return Outcome{
				Confidence: model.ConfidenceDegraded,
				Finding: &model.Finding{
					Severity:      model.SeverityWarning,
					RuleID:        model.RuleNonPositiveDenominator,
					Field:         den.Name,
					Message:       fmt.Sprintf("denominator %s is %v; ratio is undefined", den.Name, den.Value),
					DetectedValue: den.Value,
				},
			}
		}
		return okValue(num.Value / den.Value * factor)
	}
}

func computeDifference(args []Arg, _ map[string]float64) Outcome {
	if !args[0].OK || !args[1].OK {
		return unavailable()
	}
	return okValue(args[0].Value - args[1].Value)
}

func computeProduct(args []Arg, _ map[string]float64) Outcome {
	p := 1.0
	for _, a := range args {
		if !a.OK {
			return unavailable()
		}
		p *= a.Value
	}
	return okValue(p)
}

// computeSum adds the inputs that are present; a partial sum is degraded.
func computeSum(args []Arg, _ map[string]float64) Outcome {
	var s float64
	present := 0
	for _, a := range args {
		if a.OK {
			s += a.Value
			present++
		}
	}
	switch present {
	case 0:
		return unavailable()
	case len(args):
		return okValue(s)
	default:
		return Outcome{Value: &s, Confidence: model.ConfidenceDegraded}
	}
}

func computeScale(args []Arg, params map[string]float64) Outcome {
	if !args[0].OK {
		return unavailable()
	}
	factor, set := params["factor"]
	if !set {
		factor = 1
	}
	return okValue(args[0].Value * factor)
}
