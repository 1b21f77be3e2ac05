package mirror

import (
	"context"
	"sync"

	"github.com/alagonterie/tabby/pkg/errors"
	"github.com/alagonterie/tabby/pkg/models"
	"github.com/alagonterie/tabby/pkg/schema"
)

// MemoryStore is an in-process Store used by tests and by the "memory"
// store driver. State does not survive the process.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	schema *schema.TableSchema
	keyIdx int
	rows   [][]models.Value
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memTable)}
}

// CreateTable implements Store.
func (m *MemoryStore) CreateTable(_ context.Context, s *schema.TableSchema) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyIdx := -1
	for i, col := range s.Columns {
		if col.Name == schema.KeyColumn {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return errors.New(errors.ErrorTypeValidation, "schema has no key column").
			WithDetail("entity", s.Entity)
	}

	m.tables[s.Entity] = &memTable{schema: s, keyIdx: keyIdx}
	return nil
}

// InsertRows implements Store.
func (m *MemoryStore) InsertRows(_ context.Context, entity string, rows [][]models.Value) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(entity)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if len(row) != len(t.schema.Columns) {
			return 0, errors.New(errors.ErrorTypeData, "row length does not match schema").
				WithDetail("entity", entity).
				WithDetail("columns", len(t.schema.Columns)).
				WithDetail("values", len(row))
		}
		t.rows = append(t.rows, row)
	}
	return int64(len(rows)), nil
}

// UpdateWhereKey implements Store.
func (m *MemoryStore) UpdateWhereKey(_ context.Context, entity string, assignments []Assignment, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(entity)
	if err != nil {
		return 0, err
	}

	var affected int64
	for _, row := range t.rows {
		if row[t.keyIdx].Text != key {
			continue
		}
		for _, a := range assignments {
			i, ok := t.columnIndex(a.Column)
			if !ok {
				return affected, errors.New(errors.ErrorTypeQuery, "unknown column").
					WithDetail("entity", entity).
					WithDetail("column", a.Column)
			}
			if a.Delta {
				// SQL arithmetic on NULL yields NULL.
				if !row[i].IsNull() {
					row[i] = models.CountValue(int(row[i].Int + a.Net))
				}
			} else {
				row[i] = a.Value
			}
		}
		affected++
	}
	return affected, nil
}

// DeleteWhereKey implements Store.
func (m *MemoryStore) DeleteWhereKey(_ context.Context, entity string, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(entity)
	if err != nil {
		return 0, err
	}

	kept := t.rows[:0]
	var affected int64
	for _, row := range t.rows {
		if row[t.keyIdx].Text == key {
			affected++
			continue
		}
		kept = append(kept, row)
	}
	t.rows = kept
	return affected, nil
}

// CountWhereKey implements Store.
func (m *MemoryStore) CountWhereKey(_ context.Context, entity string, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.table(entity)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, row := range t.rows {
		if row[t.keyIdx].Text == key {
			n++
		}
	}
	return n, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// Row returns the first row with the given key as a column-name map.
// Test helper.
func (m *MemoryStore) Row(entity, key string) (map[string]models.Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.table(entity)
	if err != nil {
		return nil, false
	}
	for _, row := range t.rows {
		if row[t.keyIdx].Text != key {
			continue
		}
		out := make(map[string]models.Value, len(row))
		for i, col := range t.schema.Columns {
			out[col.Name] = row[i]
		}
		return out, true
	}
	return nil, false
}

// RowCount returns the total number of rows in the entity's table.
// Test helper.
func (m *MemoryStore) RowCount(entity string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.table(entity)
	if err != nil {
		return 0
	}
	return len(t.rows)
}

func (m *MemoryStore) table(entity string) (*memTable, error) {
	t, ok := m.tables[entity]
	if !ok {
		return nil, errors.New(errors.ErrorTypeNotFound, "no mirror table for entity").
			WithDetail("entity", entity)
	}
	return t, nil
}

func (t *memTable) columnIndex(name string) (int, bool) {
	for i, col := range t.schema.Columns {
		if col.Name == name {
			return i, true
		}
	}
	return 0, false
}
