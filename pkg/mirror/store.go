// Package mirror provides the local snapshot store kept in sync with the
// upstream work-tracking service: one table per entity type, keyed by the
// stable object identifier. Backends must serialize conflicting writes to
// the same entity's table; writes to different entity types may proceed
// independently.
package mirror

import (
	"context"

	"github.com/alagonterie/tabby/pkg/models"
	"github.com/alagonterie/tabby/pkg/schema"
)

// Assignment is one column mutation inside a keyed update. When Delta is
// set the stored cardinality is adjusted by Net; otherwise Value is
// assigned absolutely.
type Assignment struct {
	Column string
	Delta  bool
	Net    int64
	Value  models.Value
}

// Store is the mirror store adapter. All operations can fail with a store
// error on connection or IO failure; callers must not assume they are
// infallible.
type Store interface {
	// CreateTable creates (or replaces) the entity's mirror table with the
	// given finalized schema.
	CreateTable(ctx context.Context, s *schema.TableSchema) error

	// InsertRows inserts rows whose values are ordered to match the
	// entity's schema column order. It returns the number of rows inserted.
	InsertRows(ctx context.Context, entity string, rows [][]models.Value) (int64, error)

	// UpdateWhereKey applies a multi-column update to the row with the
	// given key and returns the number of rows affected.
	UpdateWhereKey(ctx context.Context, entity string, assignments []Assignment, key string) (int64, error)

	// DeleteWhereKey deletes the row with the given key and returns the
	// number of rows affected.
	DeleteWhereKey(ctx context.Context, entity string, key string) (int64, error)

	// CountWhereKey counts rows with the given key.
	CountWhereKey(ctx context.Context, entity string, key string) (int64, error)

	// Close releases all backend resources.
	Close() error
}

// Snapshotter is implemented by stores that can produce a consistent
// standalone snapshot file per entity, used by the publisher.
type Snapshotter interface {
	// Snapshot writes a consistent copy of the entity's database into dir
	// and returns the snapshot file path.
	Snapshot(ctx context.Context, entity string, dir string) (string, error)
}
