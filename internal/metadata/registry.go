package metadata

import (
	"fmt"
	"sort"
	"sync"
)

type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*Entity)}
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// AllEntities returns all registered entities ordered by name.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	return entities
}

// Load prepares the given entities and replaces the registry contents.
// Relation targets and foreign keys are checked across the whole set; on
// error the registry is left unchanged.
func (r *Registry) Load(entities []*Entity) error {
	byName := make(map[string]*Entity, len(entities))
	for _, e := range entities {
		if err := e.Prepare(); err != nil {
			return err
		}
		if _, dup := byName[e.Name]; dup {
			return fmt.Errorf("duplicate collection %q", e.Name)
		}
		byName[e.Name] = e
	}

	for _, e := range entities {
		for i := range e.Relations {
			rel := &e.Relations[i]
			target, ok := byName[rel.Target]
			if !ok {
				return fmt.Errorf("%s.%s: unknown target collection %q", e.Name, rel.Name, rel.Target)
			}
			switch rel.Kind {
			case BelongsTo:
				for _, ref := range rel.References {
					if ref != target.PrimaryKey.Field && !target.HasField(ref) {
						return fmt.Errorf("%s.%s: unknown referenced field %q", e.Name, rel.Name, ref)
					}
				}
			case HasMany:
				if !target.HasField(rel.ForeignKey) {
					return fmt.Errorf("%s.%s: target %s has no field %q", e.Name, rel.Name, target.Name, rel.ForeignKey)
				}
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = byName
	return nil
}

// SetHooks attaches collection hooks. Hooks are code, so they are registered
// after definitions are loaded.
func (r *Registry) SetHooks(collection string, hooks Hooks) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[collection]
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}
	e.Hooks = hooks
	return nil
}

// SetFieldHooks attaches hooks to a single field.
func (r *Registry) SetFieldHooks(collection, field string, hooks FieldHooks) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[collection]
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}
	f := e.GetField(field)
	if f == nil {
		return fmt.Errorf("%s: unknown field %q", collection, field)
	}
	f.Hooks = hooks
	return nil
}

// SetAccessFunc installs a programmatic access rule for op.
func (r *Registry) SetAccessFunc(collection, op string, fn AccessFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[collection]
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}
	rule := &AccessRule{Func: fn}
	switch op {
	case OpRead:
		e.Access.Read = rule
	case OpCreate:
		e.Access.Create = rule
	case OpUpdate:
		e.Access.Update = rule
	case OpDelete:
		e.Access.Delete = rule
	case OpTransition:
		e.Access.Transition = rule
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	return nil
}

// ReferencingRelations returns relations on other collections whose target is
// the named collection, keyed by the owning collection.
func (r *Registry) ReferencingRelations(target string) map[*Entity][]*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[*Entity][]*Relation{}
	for _, e := range r.entities {
		for i := range e.Relations {
			if e.Relations[i].Target == target {
				out[e] = append(out[e], &e.Relations[i])
			}
		}
	}
	return out
}
