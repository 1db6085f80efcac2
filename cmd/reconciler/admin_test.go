package main

import (
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"75000": "75000",
		"1e9":   "1000000000",
		"1E18":  "1000000000000000000",
	}
	for raw, want := range cases {
		got, err := parseAmount("factor", raw)
		if err != nil {
			t.Fatalf("parseAmount(%q): %v", raw, err)
		}
		if got.String() != want {
			t.Fatalf("parseAmount(%q) = %s, want %s", raw, got, want)
		}
	}

	for _, raw := range []string{"", "-1", "1.5", "abc"} {
		if _, err := parseAmount("factor", raw); err == nil {
			t.Fatalf("parseAmount(%q) should fail", raw)
		}
	}
}
