package models

import "time"

// Action is the kind of change a notification describes.
type Action string

const (
	// ActionCreated is a full-snapshot object creation.
	ActionCreated Action = "Created"
	// ActionUpdated is a field-level object update.
	ActionUpdated Action = "Updated"
	// ActionRecycled is an object deletion.
	ActionRecycled Action = "Recycled"
)

// Valid reports whether the action is one the pipeline understands.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionRecycled:
		return true
	}
	return false
}

// RefObject is an opaque reference to another upstream object, as carried
// in the added/removed lists of collection-field changes.
type RefObject struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	FormattedID string `json:"formatted_id"`
	Ref         string `json:"ref"`
	ObjectType  string `json:"object_type"`
}

// FieldChange is one field-level change inside an Updated event. It carries
// either an absolute (NewValue, OldValue) pair or an (Added, Removed) pair
// for collection fields; a change is a delta when both values are nil.
type FieldChange struct {
	Name        string
	DisplayName string
	NewValue    interface{}
	OldValue    interface{}
	Added       []RefObject
	Removed     []RefObject
}

// IsDelta reports whether the change adjusts a collection cardinality
// instead of assigning an absolute value.
func (c FieldChange) IsDelta() bool {
	return c.NewValue == nil && c.OldValue == nil
}

// Net returns the net cardinality adjustment of a delta change.
func (c FieldChange) Net() int64 {
	return int64(len(c.Added)) - int64(len(c.Removed))
}

// ChangeEvent is one validated change notification, ready for the reorder
// buffer. CreatedAt is the authoritative ordering key (the upstream
// transaction timestamp); ReceivedAt is the local arrival time.
type ChangeEvent struct {
	EntityType string
	ObjectID   string
	Action     Action
	CreatedAt  time.Time
	ReceivedAt time.Time
	User       string

	// State is the full attribute snapshot of a Created event.
	State map[string]interface{}
	// Changes are the field-level changes of an Updated event.
	Changes []FieldChange
}

// OrderingKey returns the authoritative ordering timestamp.
func (e *ChangeEvent) OrderingKey() time.Time { return e.CreatedAt }

// Entity returns the target entity type.
func (e *ChangeEvent) Entity() string { return e.EntityType }
