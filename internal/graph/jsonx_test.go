package graph

import (
	"errors"
	"testing"
)

func TestFirstObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"leading prose", `Sure! Here you go: {"a":1} hope that helps`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"nested", `{"a":{"b":2}}`, `{"a":{"b":2}}`},
		{"brace in string", `{"a":"}{","b":1}`, `{"a":"}{","b":1}`},
		{"escaped quote", `{"a":"say \"hi\" {now}"}`, `{"a":"say \"hi\" {now}"}`},
		{"two objects takes first", `{"a":1} {"b":2}`, `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := firstObject(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFirstObjectNoJSON(t *testing.T) {
	for _, in := range []string{"", "no braces here", "{never closed"} {
		if _, err := firstObject(in); !errors.Is(err, errNoJSON) {
			t.Fatalf("input %q: err = %v", in, err)
		}
	}
}

func TestStringField(t *testing.T) {
	m := map[string]any{
		"s":     "  value  ",
		"empty": "",
		"list":  []any{"first", "second"},
		"nolst": []any{},
		"num":   float64(7),
		"nil":   nil,
	}
	cases := []struct {
		key, fallback, want string
	}{
		{"s", "fb", "value"},
		{"empty", "fb", "fb"},
		{"list", "fb", "first"},
		{"nolst", "fb", "fb"},
		{"num", "fb", "7"},
		{"nil", "fb", "fb"},
		{"missing", "fb", "fb"},
	}
	for _, tc := range cases {
		if got := stringField(m, tc.key, tc.fallback); got != tc.want {
			t.Errorf("stringField(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestBoolField(t *testing.T) {
	m := map[string]any{"b": true, "s": "True", "f": "no", "n": 1}
	if !boolField(m, "b") || !boolField(m, "s") {
		t.Fatal("true spellings rejected")
	}
	if boolField(m, "f") || boolField(m, "n") || boolField(m, "missing") {
		t.Fatal("false spellings accepted")
	}
}
