// Package applier translates one ordered change event into mirror store
// operations, enforcing idempotency against the store itself: the mirror
// is the source of truth for whether an object exists, no per-object
// state is cached.
package applier

import (
	"context"

	"go.uber.org/zap"

	"github.com/alagonterie/tabby/pkg/errors"
	"github.com/alagonterie/tabby/pkg/logger"
	"github.com/alagonterie/tabby/pkg/mirror"
	"github.com/alagonterie/tabby/pkg/models"
	"github.com/alagonterie/tabby/pkg/schema"
)

// Outcome is the structured result of applying one event.
type Outcome struct {
	EntityType string
	ObjectID   string
	Action     models.Action
	// Fields holds the display names of changes that resolved to schema
	// columns (Updated events only).
	Fields []string
	// RowCount is the number of rows the store reported affected.
	RowCount int64
	// Ignored marks a duplicate whose effect already matches mirror state.
	Ignored bool
	// Err is set when a store operation failed; the event is consumed
	// regardless.
	Err error
}

// Applier applies schema-validated change events to the mirror store.
type Applier struct {
	store   mirror.Store
	schemas *schema.Registry
}

// New creates an applier.
func New(store mirror.Store, schemas *schema.Registry) *Applier {
	return &Applier{
		store:   store,
		schemas: schemas,
	}
}

// Apply applies one event. Store failures are captured in the outcome
// with a zero row count; they never propagate, so a poison event cannot
// wedge the pipeline.
func (a *Applier) Apply(ctx context.Context, ev *models.ChangeEvent) Outcome {
	ctx = context.WithValue(ctx, logger.EntityKey, ev.EntityType)
	ctx = context.WithValue(ctx, logger.ObjectIDKey, ev.ObjectID)

	out := Outcome{
		EntityType: ev.EntityType,
		ObjectID:   ev.ObjectID,
		Action:     ev.Action,
	}

	sch, ok := a.schemas.Get(ev.EntityType)
	if !ok {
		// The buffer only releases events for ready entities; reaching
		// here means the caller skipped the readiness gate.
		out.Err = errors.New(errors.ErrorTypeNotFound, "entity type not loaded").
			WithDetail("entity", ev.EntityType)
		return out
	}

	switch ev.Action {
	case models.ActionCreated:
		a.applyCreated(ctx, sch, ev, &out)
	case models.ActionUpdated:
		a.applyUpdated(ctx, sch, ev, &out)
	case models.ActionRecycled:
		a.applyRecycled(ctx, ev, &out)
	default:
		out.Err = errors.New(errors.ErrorTypeValidation, "unknown action").
			WithDetail("action", string(ev.Action))
	}
	return out
}

// applyCreated inserts a row built from the event's attribute snapshot,
// unless a row with the same key already exists (a late duplicate must
// not double-insert).
func (a *Applier) applyCreated(ctx context.Context, sch *schema.TableSchema, ev *models.ChangeEvent, out *Outcome) {
	existing, err := a.store.CountWhereKey(ctx, ev.EntityType, ev.ObjectID)
	if err != nil {
		out.Err = err
		return
	}
	if existing > 0 {
		out.Ignored = true
		return
	}

	row, ok := schema.BuildRow(sch, models.Record(ev.State))
	if !ok {
		logger.WithContext(ctx).Warn("created event produced no insertable row")
		return
	}

	inserted, err := a.store.InsertRows(ctx, ev.EntityType, [][]models.Value{row})
	if err != nil {
		out.Err = err
		return
	}
	out.RowCount = inserted
}

// applyUpdated resolves each field-level change to a schema column and
// executes one multi-column update. Unknown columns are skipped with a
// warning; a zero-net collection delta emits no assignment at all.
func (a *Applier) applyUpdated(ctx context.Context, sch *schema.TableSchema, ev *models.ChangeEvent, out *Outcome) {
	assignments := make([]mirror.Assignment, 0, len(ev.Changes))
	for _, change := range ev.Changes {
		name := schema.SanitizeColumnName(change.Name)
		col, ok := sch.Column(name)
		if !ok {
			logger.WithContext(ctx).Warn("ignoring change to unknown column",
				zap.String("column", name))
			continue
		}
		out.Fields = append(out.Fields, change.DisplayName)

		if change.IsDelta() {
			if net := change.Net(); net != 0 {
				assignments = append(assignments, mirror.Assignment{
					Column: col.Name,
					Delta:  true,
					Net:    net,
				})
			}
			continue
		}

		assignments = append(assignments, mirror.Assignment{
			Column: col.Name,
			Value:  updateValue(change.NewValue),
		})
	}

	if len(assignments) == 0 {
		return
	}

	affected, err := a.store.UpdateWhereKey(ctx, ev.EntityType, assignments, ev.ObjectID)
	if err != nil {
		out.Err = err
		return
	}
	out.RowCount = affected
}

// applyRecycled deletes the object's row; deleting an already-absent row
// is an ignorable duplicate.
func (a *Applier) applyRecycled(ctx context.Context, ev *models.ChangeEvent, out *Outcome) {
	existing, err := a.store.CountWhereKey(ctx, ev.EntityType, ev.ObjectID)
	if err != nil {
		out.Err = err
		return
	}
	if existing == 0 {
		out.Ignored = true
		return
	}

	affected, err := a.store.DeleteWhereKey(ctx, ev.EntityType, ev.ObjectID)
	if err != nil {
		out.Err = err
		return
	}
	out.RowCount = affected
}

// updateValue converts an absolute update value for binding. Strings pass
// through as text (the store escapes or binds them safely) and numeric or
// boolean values pass through untransformed; dict-like wrappers are
// unwrapped like any other payload value.
func updateValue(raw interface{}) models.Value {
	switch v := raw.(type) {
	case nil:
		return models.Null()
	case string:
		return models.TextValue(v)
	default:
		return models.Normalize(raw)
	}
}
