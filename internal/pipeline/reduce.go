package pipeline

import "strings"

// reducer folds the values of one input within an aggregation group.
type reducer func(vals []float64) float64

// DefaultReduce is used when a definition does not name a reducer.
const DefaultReduce = "sum"

var reducers = map[string]reducer{
	"sum":     reduceSum,
	"mean":    reduceMean,
	"avg":     reduceMean,
	"average": reduceMean,
	"min":     reduceMin,
	"max":     reduceMax,
	"first":   func(v []float64) float64 { return v[0] },
	"last":    func(v []float64) float64 { return v[len(v)-1] },
	"count":   func(v []float64) float64 { return float64(len(v)) },
}

// lookupReducer resolves a reducer name; "" means DefaultReduce.
func lookupReducer(name string) (reducer, bool) {
	if name == "" {
		name = DefaultReduce
	}
	r, ok := reducers[strings.ToLower(name)]
	return r, ok
}

func reduceSum(vals []float64) float64 {
	var s float64
	for _, v := range vals {
		s += v
	}
	return s
}

func reduceMean(vals []float64) float64 {
	return reduceSum(vals) / float64(len(vals))
}

func reduceMin(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func reduceMax(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
