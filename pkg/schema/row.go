package schema

import (
	"github.com/alagonterie/tabby/pkg/models"
)

// CoerceValue normalizes a raw field value and adjusts it for the
// destination column type. The same rules apply to bulk-loaded rows and to
// Created event snapshots: numeric and boolean values destined for a text
// column are stringified; everything else keeps its normalized shape.
func CoerceValue(raw interface{}, col Column) models.Value {
	v := models.Normalize(raw)
	if col.Type == TypeText {
		switch v.Kind {
		case models.KindBool, models.KindInt, models.KindFloat, models.KindCount:
			return v.Stringify()
		}
	}
	return v
}

// BuildRow builds a value list for one record, ordered to match the
// schema's column order. It returns false when the row should be skipped:
// either no field produced a non-null value, or the key column is null.
func BuildRow(s *TableSchema, rec models.Record) ([]models.Value, bool) {
	if len(rec) == 0 {
		return nil, false
	}

	row := make([]models.Value, len(s.Columns))
	nonNull := false
	for i, col := range s.Columns {
		v := CoerceValue(rec[col.SourceName], col)
		if v.IsNull() && !col.Nullable {
			return nil, false
		}
		if !v.IsNull() {
			nonNull = true
		}
		row[i] = v
	}
	if !nonNull {
		return nil, false
	}
	return row, true
}
