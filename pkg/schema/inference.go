package schema

import (
	"github.com/alagonterie/tabby/pkg/models"
)

// InferColumns scans every record and derives a column type map keyed by
// raw field name. Internal fields and null values are skipped; the first
// non-null occurrence of a field fixes its type for the run, and later
// conflicting values are coerced at row-build time instead. Fields with no
// non-null occurrence across the whole sample produce no column.
func InferColumns(records []models.Record) map[string]ColumnType {
	types := make(map[string]ColumnType)
	for _, rec := range records {
		if len(rec) == 0 {
			continue
		}
		for name, raw := range rec {
			if raw == nil || isInternalField(name) {
				continue
			}
			if _, seen := types[name]; seen {
				continue
			}
			if typ, ok := inferType(raw); ok {
				types[name] = typ
			}
		}
	}
	return types
}

// inferType probes a single non-null value, in order: timestamp string,
// boolean, integer, float, collection (stored as a cardinality count),
// then text for strings and opaque reference objects.
func inferType(raw interface{}) (ColumnType, bool) {
	switch models.Normalize(raw).Kind {
	case models.KindTimestamp:
		return TypeTimestamp, true
	case models.KindBool:
		return TypeBool, true
	case models.KindInt:
		return TypeBigInt, true
	case models.KindFloat:
		return TypeDouble, true
	case models.KindCount:
		return TypeSmallInt, true
	case models.KindText:
		return TypeText, true
	default:
		return 0, false
	}
}
