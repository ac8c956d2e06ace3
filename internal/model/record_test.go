package model

import "testing"

func TestJoinKeyKeepsTuplesDistinct(t *testing.T) {
	if JoinKey([]string{"E06000001", "2020"}) != "E06000001|2020" {
		t.Fatalf("plain codes should join with |, got %q", JoinKey([]string{"E06000001", "2020"}))
	}

	pairs := [][2][]string{
		{{"a|b", "c"}, {"a", "b|c"}},
		{{`a\`, "b"}, {"a", `\b`}},
		{{`a\|`, "b"}, {"a", `|b`}},
		{{""}, {"", ""}},
	}
	for _, p := range pairs {
		if JoinKey(p[0]) == JoinKey(p[1]) {
			t.Fatalf("%q and %q join to the same key %q", p[0], p[1], JoinKey(p[0]))
		}
	}
}

func TestKeyTupleFormatsNumbers(t *testing.T) {
	r := CanonicalRecord{Values: map[string]any{"region": "E06000001", "year": 2020.0}}
	got := r.KeyTuple([]string{"region", "year", "sector"})
	if got[0] != "E06000001" || got[1] != "2020" || got[2] != "" {
		t.Fatalf("unexpected tuple %q", got)
	}
}
