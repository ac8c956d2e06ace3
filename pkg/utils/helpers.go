package utils

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseDuration safely parses duration string like "5m", falling back to def
func ParseDuration(d string, def time.Duration) time.Duration {
	if d == "" {
		return def
	}
	duration, err := time.ParseDuration(d)
	if err != nil {
		return def
	}
	return duration
}

// missingMarkers are the placeholders official statistics use for
// suppressed or unavailable cells.
var missingMarkers = map[string]bool{
	"":     true,
	"..":   true,
	"...":  true,
	":":    true,
	"x":    true,
	"-":    true,
	"–":    true,
	"n/a":  true,
	"na":   true,
	"null": true,
	"none": true,
}

// IsMissingMarker reports whether a raw cell stands for "no value".
func IsMissingMarker(s string) bool {
	return missingMarkers[strings.ToLower(strings.TrimSpace(s))]
}

// ParseNumber parses a numeric cell, tolerating surrounding whitespace and
// thousands separators ("1,234.5").
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Numeric safely converts supported types to float64.
func Numeric(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0, false
		}
		return val, true
	case float32:
		return float64(val), true
	case string:
		return ParseNumber(val)
	default:
		return 0, false
	}
}
