package replikv

import "testing"

func TestBytes_JSONRoundTrip(t *testing.T) {
	b := Bytes("hello world")
	encoded, err := canonicalMarshal(b)
	if err != nil {
		t.Fatalf("canonicalMarshal: %v", err)
	}
	decoded, err := canonicalUnmarshal(encoded)
	if err != nil {
		t.Fatalf("canonicalUnmarshal: %v", err)
	}
	got, ok := decoded.(Bytes)
	if !ok {
		t.Fatalf("decoded value is %T, want Bytes", decoded)
	}
	if string(got) != string(b) {
		t.Errorf("round-tripped bytes = %q, want %q", got, b)
	}
}

func TestCanonicalUnmarshal_NestedBytes(t *testing.T) {
	original := map[string]any{
		"name": "widget",
		"blob": Bytes([]byte{1, 2, 3}),
		"tags": []any{"a", Bytes([]byte{4, 5})},
	}
	encoded, err := canonicalMarshal(original)
	if err != nil {
		t.Fatalf("canonicalMarshal: %v", err)
	}
	decoded, err := canonicalUnmarshal(encoded)
	if err != nil {
		t.Fatalf("canonicalUnmarshal: %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded top-level is %T, want map[string]any", decoded)
	}
	if _, ok := m["blob"].(Bytes); !ok {
		t.Errorf("blob did not round-trip as Bytes, got %T", m["blob"])
	}
	tags, ok := m["tags"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("tags did not round-trip as a 2-element slice: %v", m["tags"])
	}
	if _, ok := tags[1].(Bytes); !ok {
		t.Errorf("tags[1] did not round-trip as Bytes, got %T", tags[1])
	}
}

func TestCanonicalUnmarshal_Null(t *testing.T) {
	v, err := canonicalUnmarshal([]byte("null"))
	if err != nil {
		t.Fatalf("canonicalUnmarshal(null): %v", err)
	}
	if v != nil {
		t.Errorf("expected nil, got %v", v)
	}
}

func TestValuesEqual(t *testing.T) {
	if !valuesEqual(float64(1), float64(1)) {
		t.Error("equal floats should be equal")
	}
	if valuesEqual(map[string]any{"a": 1}, map[string]any{"a": 2}) {
		t.Error("differing maps should not be equal")
	}
	if !valuesEqual(nil, nil) {
		t.Error("nil should equal nil")
	}
}

func TestIsMapValue(t *testing.T) {
	if _, ok := isMapValue(map[string]any{"a": 1}); !ok {
		t.Error("expected map value to be recognized")
	}
	if _, ok := isMapValue([]any{1, 2}); ok {
		t.Error("slice should not be recognized as a map value")
	}
}

func TestIsArrayValue(t *testing.T) {
	if !isArrayValue([]any{1, 2}) {
		t.Error("expected slice to be recognized as array value")
	}
	if isArrayValue(map[string]any{"a": 1}) {
		t.Error("map should not be recognized as array value")
	}
}
