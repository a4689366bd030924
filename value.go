package replikv

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Value is the dynamic, structured payload stored at a path. It is the
// recursive sum type described by the data model: nil (tombstone marker at
// the Record level, not here), bool, float64, string, Bytes, []any, or
// map[string]any. Any other concrete type is accepted by the API but will
// not round-trip through canonical serialization predictably — callers
// should stick to the JSON-compatible subset plus Bytes.
type Value = any

// Bytes is a raw byte buffer value. Using a distinct named type (instead of
// a plain string) lets canonicalMarshal/canonicalUnmarshal round-trip byte
// buffers without conflating them with UTF-8 strings, per the "bytes"
// variant of the value sum type.
type Bytes []byte

type bytesWire struct {
	Bytes string `json:"$bytes"`
}

// MarshalJSON implements json.Marshaler for Bytes, tagging the encoded form
// so canonicalUnmarshal can tell a byte buffer apart from a plain string.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(bytesWire{Bytes: base64.StdEncoding.EncodeToString(b)})
}

// UnmarshalJSON implements json.Unmarshaler for Bytes.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var w bytesWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(w.Bytes)
	if err != nil {
		return fmt.Errorf("replikv: decoding bytes value: %w", err)
	}
	*b = decoded
	return nil
}

// canonicalMarshal serializes a Value to its canonical on-disk/wire form.
func canonicalMarshal(v Value) ([]byte, error) {
	return json.Marshal(v)
}

// canonicalUnmarshal restores a Value from its canonical form. Byte buffers
// tagged via Bytes.MarshalJSON are restored as Bytes; everything else comes
// back as the natural encoding/json decode into `any` (nil, bool, float64,
// string, []any, map[string]any).
func canonicalUnmarshal(data []byte) (Value, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		if bw, ok := raw["$bytes"]; ok && len(raw) == 1 {
			var s string
			if err := json.Unmarshal(bw, &s); err == nil {
				decoded, err := base64.StdEncoding.DecodeString(s)
				if err == nil {
					return Bytes(decoded), nil
				}
			}
		}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return normalizeDecoded(v), nil
}

// normalizeDecoded walks a decoded value restoring nested Bytes markers,
// since the top-level map/array decode above only produces plain
// map[string]any / []any / float64 / string / bool / nil.
func normalizeDecoded(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if raw, ok := t["$bytes"]; ok && len(t) == 1 {
			if s, ok := raw.(string); ok {
				if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
					return Bytes(decoded)
				}
			}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeDecoded(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeDecoded(val)
		}
		return out
	default:
		return v
	}
}

// isMapValue reports whether v is the map variant of Value, the only shape
// merge-fields conflict resolution operates on.
func isMapValue(v Value) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// isArrayValue reports whether v is the list variant of Value.
func isArrayValue(v Value) bool {
	_, ok := v.([]any)
	return ok
}

// valuesEqual does a canonical-serialization equality check, used by tests
// and idempotence checks rather than reflect.DeepEqual, since two
// semantically equal values may differ in concrete numeric type.
func valuesEqual(a, b Value) bool {
	ab, errA := canonicalMarshal(a)
	bb, errB := canonicalMarshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
