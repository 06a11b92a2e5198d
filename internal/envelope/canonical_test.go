package envelope

import (
	"encoding/json"
	"math"
	"testing"
)

func TestCanonicalJSONSortsKeysRecursively(t *testing.T) {
	in := map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"b": 2, "a": 1},
		"mid":   []any{map[string]any{"y": true, "x": false}},
	}
	got, err := CanonicalJSON(in)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"alpha":{"a":1,"b":2},"mid":[{"x":false,"y":true}],"zeta":1}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSONIdempotent(t *testing.T) {
	in := map[string]any{
		"s":     "value with \"quotes\" and é",
		"n":     42,
		"f":     3.25,
		"list":  []any{1, "two", nil, true},
		"inner": map[string]any{"k": map[string]any{"deep": -7}},
	}
	first, err := CanonicalJSON(in)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	var parsed any
	if err := json.Unmarshal(first, &parsed); err != nil {
		t.Fatalf("parse canonical output: %v", err)
	}
	second, err := CanonicalJSON(parsed)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("not idempotent:\n first=%s\nsecond=%s", first, second)
	}
}

func TestCanonicalJSONPreservesIntegerLiterals(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"count": 5, "ratio": 0.5})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"count":5,"ratio":0.5}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSONRejectsNaN(t *testing.T) {
	if _, err := CanonicalJSON(map[string]any{"bad": math.NaN()}); err == nil {
		t.Error("expected error for NaN, got nil")
	}
	if _, err := CanonicalJSON(map[string]any{"bad": math.Inf(1)}); err == nil {
		t.Error("expected error for +Inf, got nil")
	}
}

func TestCanonicalJSONStructInput(t *testing.T) {
	type inner struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	got, err := CanonicalJSON(inner{B: 2, A: 1})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if string(got) != `{"a":1,"b":2}` {
		t.Errorf("struct keys not sorted: %s", got)
	}
}
