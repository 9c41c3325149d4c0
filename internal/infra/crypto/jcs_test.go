package crypto

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"equiaudit/internal/domain"
)

func TestCanonicalizeAny_SortsKeysAndStripsWhitespace(t *testing.T) {
	value := map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"b": true, "a": nil},
		"mid":   []any{"x", 2.5},
	}
	got, err := CanonicalizeAny(value)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"alpha":{"a":null,"b":true},"mid":["x",2.5],"zeta":1}`
	if string(got) != want {
		t.Fatalf("unexpected canonical form:\n got %s\nwant %s", got, want)
	}
}

func TestCanonicalizeAny_IndependentOfConstructionOrder(t *testing.T) {
	first := map[string]any{}
	first["a"] = 1
	first["b"] = "two"
	first["c"] = []any{3}

	second := map[string]any{}
	second["c"] = []any{3}
	second["tmp"] = "removed"
	second["b"] = "two"
	second["a"] = 1
	delete(second, "tmp")

	a, err := CanonicalizeAny(first)
	if err != nil {
		t.Fatalf("canonicalize first: %v", err)
	}
	b, err := CanonicalizeAny(second)
	if err != nil {
		t.Fatalf("canonicalize second: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected identical bytes, got %s vs %s", a, b)
	}
}

func TestCanonicalizeJSON_NumberFormatting(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: `1.0`, want: `1`},
		{in: `1.50`, want: `1.5`},
		{in: `-0.0`, want: `0`},
		{in: `100`, want: `100`},
		{in: `0.000001`, want: `0.000001`},
		{in: `1e-7`, want: `1e-7`},
		{in: `1e21`, want: `1e+21`},
		{in: `123456789012`, want: `123456789012`},
	}
	for _, tt := range tests {
		got, err := CanonicalizeJSON([]byte(tt.in))
		if err != nil {
			t.Fatalf("canonicalize %s: %v", tt.in, err)
		}
		if string(got) != tt.want {
			t.Fatalf("canonicalize %s: got %s want %s", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalizeJSON_StructAndRawAgree(t *testing.T) {
	type sample struct {
		B string  `json:"b"`
		A float64 `json:"a"`
	}
	fromStruct, err := CanonicalizeAny(sample{B: "x\ny", A: 0.25})
	if err != nil {
		t.Fatalf("canonicalize struct: %v", err)
	}
	fromRaw, err := CanonicalizeAny(json.RawMessage(`{ "a" : 0.250, "b" : "x\ny" }`))
	if err != nil {
		t.Fatalf("canonicalize raw: %v", err)
	}
	if string(fromStruct) != string(fromRaw) {
		t.Fatalf("expected struct and raw forms to agree: %s vs %s", fromStruct, fromRaw)
	}
	if string(fromStruct) != `{"a":0.25,"b":"x\ny"}` {
		t.Fatalf("unexpected canonical bytes %s", fromStruct)
	}
}

func TestCanonicalizeAny_RejectsAmbiguousValues(t *testing.T) {
	cases := []any{
		math.NaN(),
		math.Inf(1),
		int64(1 << 60),
		json.RawMessage(`{"a":1} {"b":2}`),
		json.RawMessage(`12345678901234567890`),
		map[string]any{"bad": string([]byte{0xff, 0xfe})},
	}
	for i, value := range cases {
		if _, err := CanonicalizeAny(value); !errors.Is(err, domain.ErrInvalidPayload) {
			t.Fatalf("case %d: expected ErrInvalidPayload, got %v", i, err)
		}
	}
}

func TestCanonicalizeAny_NestedTypedValues(t *testing.T) {
	type violation struct {
		Rule   string `json:"rule"`
		Detail string `json:"detail"`
	}
	value := map[string]any{
		"artifacts":  []string{"DAP.json", "ledger.jsonl"},
		"violations": []violation{{Rule: "r1", Detail: "missing"}},
		"counts":     map[string]int{"b": 2, "a": 1},
		"raw":        json.RawMessage(`{ "z": 1, "y": [true] }`),
	}
	got, err := CanonicalizeAny(value)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"artifacts":["DAP.json","ledger.jsonl"],"counts":{"a":1,"b":2},"raw":{"y":[true],"z":1},"violations":[{"detail":"missing","rule":"r1"}]}`
	if string(got) != want {
		t.Fatalf("unexpected canonical form:\n got %s\nwant %s", got, want)
	}

	nested := map[string]any{"scores": []float64{math.NaN()}}
	if _, err := CanonicalizeAny(nested); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for nested NaN, got %v", err)
	}
}
