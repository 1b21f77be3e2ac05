package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeScalars(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want Value
	}{
		{"nil", nil, Null()},
		{"bool", true, BoolValue(true)},
		{"integral float", float64(42), IntValue(42)},
		{"fractional float", 4.5, FloatValue(4.5)},
		{"text", "Open", TextValue("Open")},
		{"empty string", "", Null()},
		{"none literal", "None", Null()},
		{"whitespace", "   ", Null()},
		{"list", []interface{}{"a", "b", "c"}, CountValue(3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	v := Normalize("2024-03-01T12:30:45.123Z")
	assert.Equal(t, KindTimestamp, v.Kind)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 45, 123000000, time.UTC), v.Time)

	// Micros variant also parses.
	v = Normalize("2024-03-01T12:30:45.123456Z")
	assert.Equal(t, KindTimestamp, v.Kind)

	// Dates without fraction are plain text upstream.
	assert.Equal(t, KindText, Normalize("2024-03-01T12:30:45Z").Kind)
}

func TestNormalizeObjects(t *testing.T) {
	// Attribute wrappers prefer name over value.
	assert.Equal(t, TextValue("High"), Normalize(map[string]interface{}{"name": "High", "value": "ignored"}))
	assert.Equal(t, IntValue(3), Normalize(map[string]interface{}{"value": float64(3)}))

	// Reference objects reduce to their display name.
	assert.Equal(t, TextValue("DE123"), Normalize(map[string]interface{}{"Name": "DE123", "_ref": "/defect/1"}))
	assert.Equal(t, TextValue("Iteration 4"), Normalize(map[string]interface{}{"_refObjectName": "Iteration 4"}))

	// Unknown object shapes have no usable value.
	assert.True(t, Normalize(map[string]interface{}{"foo": "bar"}).IsNull())
}

func TestStringify(t *testing.T) {
	assert.Equal(t, TextValue("true"), BoolValue(true).Stringify())
	assert.Equal(t, TextValue("42"), IntValue(42).Stringify())
	assert.Equal(t, TextValue("4.5"), FloatValue(4.5).Stringify())
	// Text passes through untouched.
	assert.Equal(t, TextValue("x"), TextValue("x").Stringify())
}

func TestFieldChangeDelta(t *testing.T) {
	c := FieldChange{
		Added:   []RefObject{{ID: "1"}, {ID: "2"}, {ID: "3"}},
		Removed: []RefObject{{ID: "4"}},
	}
	assert.True(t, c.IsDelta())
	assert.Equal(t, int64(2), c.Net())

	absolute := FieldChange{NewValue: "Closed", OldValue: "Open"}
	assert.False(t, absolute.IsDelta())
}
