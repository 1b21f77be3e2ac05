// Package schema infers and holds the per-entity column layout of the
// mirror. A schema is derived once from a representative record sample,
// registered write-once, and immutable for the remainder of the run.
package schema

import (
	"sort"
	"strings"
)

// KeyColumn is the stable object identifier column. It is present in every
// table and never null; all keyed store operations use it.
const KeyColumn = "ObjectUUID"

// customFieldPrefix marks user-defined upstream fields; it is stripped
// from column names.
const customFieldPrefix = "c_"

// internalIDField is the mutable numeric record id, excluded from schemas.
const internalIDField = "oid"

// ColumnType is the closed set of mirror column types.
type ColumnType uint8

const (
	// TypeBool is a boolean column.
	TypeBool ColumnType = iota
	// TypeBigInt is a 64-bit integer column.
	TypeBigInt
	// TypeDouble is a double-precision float column.
	TypeDouble
	// TypeSmallInt is a small integer column holding collection cardinalities.
	TypeSmallInt
	// TypeText is a text column.
	TypeText
	// TypeTimestamp is a timestamp column.
	TypeTimestamp
)

// String returns the SQL-ish name of the type.
func (t ColumnType) String() string {
	switch t {
	case TypeBool:
		return "BOOLEAN"
	case TypeBigInt:
		return "BIGINT"
	case TypeDouble:
		return "DOUBLE"
	case TypeSmallInt:
		return "SMALLINT"
	case TypeText:
		return "TEXT"
	case TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "UNKNOWN"
	}
}

// Column is one mirror table column. Name is the sanitized column name;
// SourceName is the raw upstream field name used to pull values out of
// records and event snapshots.
type Column struct {
	Name       string
	SourceName string
	Type       ColumnType
	Nullable   bool
}

// TableSchema is the finalized column layout for one entity type. Columns
// are ordered deterministically by sanitized name and match the physical
// table column order.
type TableSchema struct {
	Entity  string
	Columns []Column

	index map[string]int
}

// Build finalizes a schema from the inferred column type map, whose keys
// are raw upstream field names.
func Build(entity string, types map[string]ColumnType) *TableSchema {
	columns := make([]Column, 0, len(types))
	for source, typ := range types {
		name := SanitizeColumnName(source)
		columns = append(columns, Column{
			Name:       name,
			SourceName: source,
			Type:       typ,
			Nullable:   name != KeyColumn,
		})
	}
	sort.Slice(columns, func(i, j int) bool { return columns[i].Name < columns[j].Name })

	s := &TableSchema{Entity: entity, Columns: columns}
	s.index = make(map[string]int, len(columns))
	for i, c := range columns {
		s.index[c.Name] = i
	}
	return s
}

// Column looks up a column by sanitized name.
func (s *TableSchema) Column(name string) (Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return Column{}, false
	}
	return s.Columns[i], true
}

// SanitizeColumnName strips the custom-field prefix from an upstream
// field name.
func SanitizeColumnName(name string) string {
	if strings.HasPrefix(name, customFieldPrefix) {
		return strings.TrimPrefix(name, customFieldPrefix)
	}
	return name
}

// isInternalField reports whether an upstream field is excluded from
// schemas: the opaque record id and any underscore-prefixed metadata field.
func isInternalField(name string) bool {
	return name == internalIDField || strings.HasPrefix(name, "_")
}
