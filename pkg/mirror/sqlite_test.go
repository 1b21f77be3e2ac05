package mirror

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alagonterie/tabby/pkg/models"
	"github.com/alagonterie/tabby/pkg/schema"
)

func seededSQLiteStore(t *testing.T) (*SQLiteStore, *schema.TableSchema) {
	t.Helper()

	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	s := schema.Build("Defect", map[string]schema.ColumnType{
		"ObjectUUID": schema.TypeText,
		"State":      schema.TypeText,
		"Tasks":      schema.TypeSmallInt,
	})
	require.NoError(t, store.CreateTable(context.Background(), s))

	row, ok := schema.BuildRow(s, models.Record{
		"ObjectUUID": "d-1",
		"State":      "Open",
		"Tasks":      []interface{}{"t1", "t2"},
	})
	require.True(t, ok)
	n, err := store.InsertRows(context.Background(), "Defect", [][]models.Value{row})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	return store, s
}

// sqliteRow reads one row back through the store's own connection.
func sqliteRow(t *testing.T, store *SQLiteStore, key string) (string, sql.NullInt64) {
	t.Helper()
	db, err := store.conn("Defect")
	require.NoError(t, err)

	var state string
	var tasks sql.NullInt64
	err = db.QueryRow(`SELECT "State", "Tasks" FROM "Defect" WHERE "ObjectUUID" = ?`, key).
		Scan(&state, &tasks)
	require.NoError(t, err)
	return state, tasks
}

func TestSQLiteLifecycle(t *testing.T) {
	store, _ := seededSQLiteStore(t)

	n, err := store.CountWhereKey(context.Background(), "Defect", "d-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	affected, err := store.UpdateWhereKey(context.Background(), "Defect", []Assignment{
		{Column: "State", Value: models.TextValue("Closed")},
		{Column: "Tasks", Delta: true, Net: 3},
	}, "d-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	state, tasks := sqliteRow(t, store, "d-1")
	assert.Equal(t, "Closed", state)
	// 2 + 3 added.
	assert.Equal(t, int64(5), tasks.Int64)

	// Unmatched key affects nothing.
	affected, err = store.UpdateWhereKey(context.Background(), "Defect", []Assignment{
		{Column: "State", Value: models.TextValue("x")},
	}, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)

	affected, err = store.DeleteWhereKey(context.Background(), "Defect", "d-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	n, err = store.CountWhereKey(context.Background(), "Defect", "d-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Deleting again affects nothing.
	affected, err = store.DeleteWhereKey(context.Background(), "Defect", "d-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)
}

func TestSQLiteNegativeDelta(t *testing.T) {
	store, _ := seededSQLiteStore(t)

	_, err := store.UpdateWhereKey(context.Background(), "Defect", []Assignment{
		{Column: "Tasks", Delta: true, Net: -1},
	}, "d-1")
	require.NoError(t, err)

	_, tasks := sqliteRow(t, store, "d-1")
	assert.Equal(t, int64(1), tasks.Int64)
}

func TestSQLiteDeltaOnNullStaysNull(t *testing.T) {
	store, s := seededSQLiteStore(t)

	row, ok := schema.BuildRow(s, models.Record{"ObjectUUID": "d-2", "State": "Open"})
	require.True(t, ok)
	_, err := store.InsertRows(context.Background(), "Defect", [][]models.Value{row})
	require.NoError(t, err)

	_, err = store.UpdateWhereKey(context.Background(), "Defect", []Assignment{
		{Column: "Tasks", Delta: true, Net: 2},
	}, "d-2")
	require.NoError(t, err)

	_, tasks := sqliteRow(t, store, "d-2")
	assert.False(t, tasks.Valid)
}

func TestSQLiteCreateTableReplacesExisting(t *testing.T) {
	store, s := seededSQLiteStore(t)

	// A reseed must not keep rows from the previous run.
	require.NoError(t, store.CreateTable(context.Background(), s))

	n, err := store.CountWhereKey(context.Background(), "Defect", "d-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSQLiteSnapshot(t *testing.T) {
	store, _ := seededSQLiteStore(t)

	dir := t.TempDir()
	path, err := store.Snapshot(context.Background(), "Defect", dir)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	// The snapshot is a standalone copy: rows survive deletion from the
	// live database.
	_, err = store.DeleteWhereKey(context.Background(), "Defect", "d-1")
	require.NoError(t, err)

	snap, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer snap.Close()

	var n int64
	require.NoError(t, snap.QueryRow(`SELECT COUNT(1) FROM "Defect"`).Scan(&n))
	assert.Equal(t, int64(1), n)
}
