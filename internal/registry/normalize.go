package registry

import (
	"fmt"
	"strings"
	"unicode"
)

// Normalizer rewrites a raw string value before it is typed.
type Normalizer func(string) string

var normalizers = map[string]Normalizer{
	"trim":     strings.TrimSpace,
	"upper":    strings.ToUpper,
	"lower":    strings.ToLower,
	"title":    titleCase,
	"collapse": collapseSpaces,
}

// chain resolves normalizer names into one function, applied left to right.
func chain(names []string) (Normalizer, error) {
	if len(names) == 0 {
		return nil, nil
	}
	fns := make([]Normalizer, 0, len(names))
	for _, n := range names {
		fn, ok := normalizers[strings.ToLower(n)]
		if !ok {
			return nil, fmt.Errorf("unknown normalizer: %s", n)
		}
		fns = append(fns, fn)
	}
	return func(s string) string {
		for _, fn := range fns {
			s = fn(s)
		}
		return s
	}, nil
}

// titleCase upper-cases the first letter of every word and lower-cases the rest.
func titleCase(s string) string {
	var b strings.Builder
	start := true
	for _, r := range s {
		if start {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune(unicode.ToLower(r))
		}
		start = unicode.IsSpace(r) || r == '-' || r == '('
	}
	return b.String()
}

// collapseSpaces folds runs of whitespace into a single space.
func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
