package engine

import (
	"fmt"
	"math"
)

// Message is the structured queue message form used by model files: a flat
// map of field names to scalar values.
type Message map[string]any

// FieldEquals returns a queue match condition that holds for a Message
// whose field equals want. Numbers compare by value regardless of their Go
// type, so a message decoded from JSON matches an int literal.
//
// Messages that are not a Message never match.
func FieldEquals(field string, want any) func(any) bool {
	return func(msg any) bool {
		got, ok := messageField(msg, field)
		if !ok {
			return false
		}
		return scalarEqual(got, want)
	}
}

// HasField returns a queue match condition that holds for a Message that
// carries field.
func HasField(field string) func(any) bool {
	return func(msg any) bool {
		_, ok := messageField(msg, field)
		return ok
	}
}

// MessageField extracts a field from a Message. Only top-level fields are
// supported.
func MessageField(msg any, field string) (any, error) {
	v, ok := messageField(msg, field)
	if !ok {
		return nil, fmt.Errorf("message field %q not found", field)
	}
	return v, nil
}

func messageField(msg any, field string) (any, bool) {
	switch m := msg.(type) {
	case Message:
		v, ok := m[field]
		return v, ok
	case map[string]any:
		v, ok := m[field]
		return v, ok
	}
	return nil, false
}

func scalarEqual(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	if aNum != bNum {
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return math.NaN(), false
}
