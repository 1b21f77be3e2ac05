package schema

import (
	"sort"
	"sync"

	"github.com/alagonterie/tabby/pkg/errors"
)

// Registry is the process-wide schema map. Schemas are registered exactly
// once per entity type, by the bulk loader's finalize step; every other
// component only reads. An entity type is "ready" once its schema is
// registered, which gates event release from the reorder buffer.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*TableSchema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*TableSchema)}
}

// Register publishes a finalized schema. Registering the same entity type
// twice is a conflict: schemas are immutable for the run.
func (r *Registry) Register(s *TableSchema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[s.Entity]; ok {
		return errors.New(errors.ErrorTypeConflict, "schema already registered").
			WithDetail("entity", s.Entity)
	}
	r.schemas[s.Entity] = s
	return nil
}

// Get returns the registered schema for an entity type.
func (r *Registry) Get(entity string) (*TableSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[entity]
	return s, ok
}

// Ready reports whether an entity type has been loaded and may receive
// events.
func (r *Registry) Ready(entity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[entity]
	return ok
}

// Entities returns the registered entity type names, sorted.
func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
