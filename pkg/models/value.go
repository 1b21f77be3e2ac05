// Package models provides the data model shared by every stage of the
// mirror pipeline: fetched records, change events, and the closed tagged
// value variant that schema inference and change application both consume.
package models

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	// KindNull is the absent value.
	KindNull Kind = iota
	// KindBool holds a boolean.
	KindBool
	// KindInt holds a 64-bit integer.
	KindInt
	// KindFloat holds a double-precision float.
	KindFloat
	// KindTimestamp holds a parsed point in time.
	KindTimestamp
	// KindText holds a string.
	KindText
	// KindCount holds the cardinality of a collection field.
	KindCount
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindTimestamp:
		return "timestamp"
	case KindText:
		return "text"
	case KindCount:
		return "count"
	default:
		return "unknown"
	}
}

// Value is the closed variant produced by normalization. Exactly one of the
// payload fields is meaningful, selected by Kind. Counts reuse the Int field.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Time  time.Time
	Text  string
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// BoolValue wraps a boolean.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue wraps an integer.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// FloatValue wraps a float.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// TimestampValue wraps a point in time.
func TimestampValue(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t} }

// TextValue wraps a string.
func TextValue(s string) Value { return Value{Kind: KindText, Text: s} }

// CountValue wraps a collection cardinality.
func CountValue(n int) Value { return Value{Kind: KindCount, Int: int64(n)} }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// timestampLayouts are the upstream wire formats accepted for timestamp
// strings. The work-tracking service emits UTC with a fractional second
// and a literal Z suffix.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05.000000Z",
}

// ParseTimestamp parses an upstream timestamp string.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Normalize converts a raw decoded JSON value into the tagged variant.
//
// The rules match the upstream payload shapes: single-key reference
// dicts are unwrapped preferring a "name" field then a "value" field,
// opaque reference objects are reduced to their display name, empty
// strings, the literal text "None" and whitespace-only strings become
// null, timestamp strings are parsed, and collections are reduced to
// their element count.
func Normalize(raw interface{}) Value {
	switch v := raw.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(v)
	case int:
		return IntValue(int64(v))
	case int64:
		return IntValue(v)
	case float64:
		// JSON numbers decode as float64; integral values are integers upstream.
		if v == math.Trunc(v) && v >= math.MinInt64 && v <= math.MaxInt64 {
			return IntValue(int64(v))
		}
		return FloatValue(v)
	case string:
		if v == "" || v == "None" || strings.TrimSpace(v) == "" {
			return Null()
		}
		if t, ok := ParseTimestamp(v); ok {
			return TimestampValue(t)
		}
		return TextValue(v)
	case []interface{}:
		return CountValue(len(v))
	case map[string]interface{}:
		return normalizeObject(v)
	case time.Time:
		return TimestampValue(v)
	case Value:
		return v
	default:
		return Null()
	}
}

// normalizeObject unwraps dict-like values. Attribute wrappers carry a
// "name" or "value" field; reference objects carry a display name.
func normalizeObject(obj map[string]interface{}) Value {
	if name, ok := obj["name"]; ok {
		return Normalize(name)
	}
	if value, ok := obj["value"]; ok {
		return Normalize(value)
	}
	if name, ok := obj["Name"]; ok {
		return Normalize(name)
	}
	if name, ok := obj["_refObjectName"]; ok {
		return Normalize(name)
	}
	return Null()
}

// Stringify renders a scalar value as text, used when the destination
// column was inferred as text but the source value is numeric or boolean.
func (v Value) Stringify() Value {
	switch v.Kind {
	case KindBool:
		return TextValue(strconv.FormatBool(v.Bool))
	case KindInt, KindCount:
		return TextValue(strconv.FormatInt(v.Int, 10))
	case KindFloat:
		return TextValue(strconv.FormatFloat(v.Float, 'g', -1, 64))
	default:
		return v
	}
}
