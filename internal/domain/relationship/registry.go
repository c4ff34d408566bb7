package relationship

import (
	"fmt"
	"sort"
	"sync"

	"github.com/erp/entitygraph/internal/domain/shared"
)

// TypeRegistry is the in-memory catalog of relationship types.
// Types are registered in a first pass and cross-checked by Activate.
type TypeRegistry struct {
	mu     sync.RWMutex
	types  map[string]RelationshipType
	active bool
}

// NewTypeRegistry creates an empty registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]RelationshipType),
	}
}

// LoadTypes registers every type and activates the registry
func LoadTypes(types ...RelationshipType) (*TypeRegistry, error) {
	r := NewTypeRegistry()
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	if err := r.Activate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds a type. Registering an identical definition twice is a no-op.
func (r *TypeRegistry) Register(t RelationshipType) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[t.Name]; ok {
		if existing.Equal(t) {
			return nil
		}
		return fmt.Errorf("%w: relationship type %q already registered with a different definition", shared.ErrConfig, t.Name)
	}
	r.types[t.Name] = t
	r.active = false
	return nil
}

// Activate validates cross references between registered types
func (r *TypeRegistry) Activate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.sortedNamesLocked() {
		t := r.types[name]
		if !t.IsBidirectional {
			continue
		}
		reverse, ok := r.types[t.ReverseTypeName]
		if !ok {
			return fmt.Errorf("%w: reverse type %q of %q is not registered", shared.ErrConfig, t.ReverseTypeName, t.Name)
		}
		if t.IsSymmetric() {
			if !sameSet(t.SourceTypes, t.TargetTypes) {
				return fmt.Errorf("%w: symmetric type %q must have identical source and target types", shared.ErrConfig, t.Name)
			}
			continue
		}
		if !sameSet(t.SourceTypes, reverse.TargetTypes) || !sameSet(t.TargetTypes, reverse.SourceTypes) {
			return fmt.Errorf("%w: reverse type %q must swap the source/target types of %q", shared.ErrConfig, reverse.Name, t.Name)
		}
	}
	r.active = true
	return nil
}

// IsActive reports whether the registry passed cross-reference validation
func (r *TypeRegistry) IsActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Resolve returns a type by name
func (r *TypeRegistry) Resolve(name string) (RelationshipType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	if !ok {
		return RelationshipType{}, fmt.Errorf("%w: relationship type %q", shared.ErrNotFound, name)
	}
	return t, nil
}

// ValidateEdge checks that the source and target kinds are allowed by relType
func (r *TypeRegistry) ValidateEdge(relType, sourceKind, targetKind string) error {
	t, err := r.Resolve(relType)
	if err != nil {
		return err
	}
	if !t.AllowsSource(sourceKind) {
		return fmt.Errorf("%w: %s cannot be the source of %q", shared.ErrIncompatibleTypes, sourceKind, relType)
	}
	if !t.AllowsTarget(targetKind) {
		return fmt.Errorf("%w: %s cannot be the target of %q", shared.ErrIncompatibleTypes, targetKind, relType)
	}
	return nil
}

// ReverseOf returns the reverse type of a bidirectional type
func (r *TypeRegistry) ReverseOf(name string) (RelationshipType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	if !ok || !t.IsBidirectional {
		return RelationshipType{}, false
	}
	reverse, ok := r.types[t.ReverseTypeName]
	return reverse, ok
}

// List returns all registered types sorted by name
func (r *TypeRegistry) List() []RelationshipType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.sortedNamesLocked()
	out := make([]RelationshipType, 0, len(names))
	for _, name := range names {
		out = append(out, r.types[name])
	}
	return out
}

// Bidirectional returns the names of every mirrored type
func (r *TypeRegistry) Bidirectional() []string {
	var names []string
	for _, t := range r.List() {
		if t.IsBidirectional {
			names = append(names, t.Name)
		}
	}
	return names
}

func (r *TypeRegistry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
