package export

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"evidence-pipeline/internal/diagnose"
	"evidence-pipeline/internal/model"
)

// rankedKeys is how many highest and lowest keys the report lists per
// indicator.
const rankedKeys = 10

type rankedValue struct {
	key        string
	value      float64
	confidence model.Confidence
}

type coverage struct {
	name         string
	counts       map[model.Confidence]int
	values       []rankedValue // descending by value, then key
	mean, median float64
}

func (c *coverage) lowest() float64 { return c.values[len(c.values)-1].value }
func (c *coverage) highest() float64 { return c.values[0].value }

func indicatorCoverage(values []model.IndicatorValue) []*coverage {
	byName := map[string]*coverage{}
	var order []*coverage
	for _, v := range values {
		c, ok := byName[v.Indicator]
		if !ok {
			c = &coverage{name: v.Indicator, counts: map[model.Confidence]int{}}
			byName[v.Indicator] = c
			order = append(order, c)
		}
		c.counts[v.Confidence]++
		if v.Value == nil {
			continue
		}
		c.values = append(c.values, rankedValue{key: keyLabel(v), value: *v.Value, confidence: v.Confidence})
	}

	for _, c := range order {
		n := len(c.values)
		if n == 0 {
			continue
		}
		sort.Slice(c.values, func(i, j int) bool {
			if c.values[i].value != c.values[j].value {
				return c.values[i].value > c.values[j].value
			}
			return c.values[i].key < c.values[j].key
		})
		var sum float64
		for _, rv := range c.values {
			sum += rv.value
		}
		c.mean = sum / float64(n)
		if n%2 == 1 {
			c.median = c.values[n/2].value
		} else {
			c.median = (c.values[n/2-1].value + c.values[n/2].value) / 2
		}
	}
	return order
}

// keyLabel renders a key for a markdown cell, where | would split the column.
func keyLabel(v model.IndicatorValue) string {
	parts := make([]string, len(v.KeyOrder))
	for i, k := range v.KeyOrder {
		parts[i] = v.Key[k]
	}
	return strings.Join(parts, ", ")
}

// top returns up to n values from the high end, or the low end when lowest
// is set, in rank order.
func (c *coverage) top(n int, lowest bool) []rankedValue {
	n = min(n, len(c.values))
	out := make([]rankedValue, n)
	for i := range out {
		if lowest {
			out[i] = c.values[len(c.values)-1-i]
		} else {
			out[i] = c.values[i]
		}
	}
	return out
}

// roundCell renders a derived statistic to two decimals.
func roundCell(v float64) string {
	return FormatCell(math.Round(v*100) / 100)
}

func writeRanking(b *strings.Builder, title string, rows []rankedValue) {
	fmt.Fprintf(b, "#### %s\n\n", title)
	b.WriteString("| Key | Value | Confidence |\n|---|---|---|\n")
	for _, rv := range rows {
		fmt.Fprintf(b, "| %s | %s | %s |\n", rv.key, FormatCell(rv.value), rv.confidence)
	}
	b.WriteString("\n")
}

// renderReport builds the human-readable evidence report of a run.
func renderReport(res *model.PipelineResult, generated time.Time) string {
	meta := res.RunMetadata
	var b strings.Builder

	fmt.Fprintf(&b, "# Evidence report\n\n")
	fmt.Fprintf(&b, "- **Run**: %s\n", meta.RunID)
	fmt.Fprintf(&b, "- **Started**: %s\n", meta.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Registry version**: %s\n", meta.RegistryVersion)
	fmt.Fprintf(&b, "- **Generated**: %s\n\n", generated.UTC().Format(time.RFC3339))

	s := meta.Summary
	b.WriteString("## Data\n\n")
	fmt.Fprintf(&b, "- **Tables**: %d\n- **Raw rows**: %d\n- **Canonical records**: %d\n- **Excluded rows**: %d\n\n",
		s.Tables, s.RawRows, s.Records, s.ExcludedRows)

	b.WriteString("## Findings\n\n")
	if len(res.Findings) == 0 {
		b.WriteString("_No findings recorded._\n\n")
	} else {
		sevs := make([]string, 0, len(s.FindingsBySev))
		for sev, n := range s.FindingsBySev {
			sevs = append(sevs, fmt.Sprintf("%s: %d", sev, n))
		}
		sort.Strings(sevs)
		fmt.Fprintf(&b, "%d findings (%s).\n\n", len(res.Findings), strings.Join(sevs, ", "))
	}

	b.WriteString("### Recommended actions\n\n")
	for _, a := range diagnose.Suggest(res.Findings) {
		if a.RuleID == "" {
			fmt.Fprintf(&b, "- %s\n", a.Remediation)
			continue
		}
		fmt.Fprintf(&b, "- **%s** (%s, %d): %s", a.RuleID, a.Severity, a.Count, a.Remediation)
		if len(a.Fields) > 0 {
			fmt.Fprintf(&b, " Fields: %s.", strings.Join(a.Fields, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString("## Indicators\n\n")
	cov := indicatorCoverage(res.IndicatorValues)
	if len(cov) == 0 {
		b.WriteString("_No indicators computed._\n")
		return b.String()
	}
	b.WriteString("| Indicator | ok | degraded | unavailable | mean | median | min | max |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, c := range cov {
		stats := []string{"", "", "", ""}
		if len(c.values) > 0 {
			stats = []string{roundCell(c.mean), roundCell(c.median), FormatCell(c.lowest()), FormatCell(c.highest())}
		}
		fmt.Fprintf(&b, "| %s | %d | %d | %d | %s |\n", c.name,
			c.counts[model.ConfidenceOK], c.counts[model.ConfidenceDegraded], c.counts[model.ConfidenceUnavailable], strings.Join(stats, " | "))
	}

	for _, c := range cov {
		if len(c.values) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n### %s\n\n", c.name)
		writeRanking(&b, fmt.Sprintf("Highest %d", min(rankedKeys, len(c.values))), c.top(rankedKeys, false))
		writeRanking(&b, fmt.Sprintf("Lowest %d", min(rankedKeys, len(c.values))), c.top(rankedKeys, true))
	}
	return b.String()
}

func (e *Exporter) writeReport(path string, res *model.PipelineResult) error {
	return os.WriteFile(path, []byte(renderReport(res, e.now())), 0o644)
}
