package relationship

import (
	"fmt"
	"slices"
	"strings"

	"github.com/erp/entitygraph/internal/domain/shared"
)

// Wildcard matches any entity kind in a type set
const Wildcard = "*"

const (
	MinStrength = 1
	MaxStrength = 5
)

// RelationshipType is a catalog entry describing one kind of edge:
// which entity kinds it may connect and whether it is mirrored.
type RelationshipType struct {
	Name            string
	DisplayName     string
	Description     string
	SourceTypes     []string
	TargetTypes     []string
	IsBidirectional bool
	ReverseTypeName string
	DefaultStrength int
	IsSystem        bool
	Color           string
	Icon            string
}

// AllowsSource reports whether kind may be the source of this relationship
func (t RelationshipType) AllowsSource(kind string) bool {
	return matchesKind(t.SourceTypes, kind)
}

// AllowsTarget reports whether kind may be the target of this relationship
func (t RelationshipType) AllowsTarget(kind string) bool {
	return matchesKind(t.TargetTypes, kind)
}

// IsSymmetric reports whether the type is its own reverse
func (t RelationshipType) IsSymmetric() bool {
	return t.IsBidirectional && t.ReverseTypeName == t.Name
}

// Validate checks the definition in isolation. Cross references are checked
// by the registry once every type is registered.
func (t RelationshipType) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: relationship type name is required", shared.ErrConfig)
	}
	if len(t.SourceTypes) == 0 || len(t.TargetTypes) == 0 {
		return fmt.Errorf("%w: relationship type %q must declare source and target types", shared.ErrConfig, t.Name)
	}
	if t.DefaultStrength < MinStrength || t.DefaultStrength > MaxStrength {
		return fmt.Errorf("%w: relationship type %q default strength %d outside %d-%d",
			shared.ErrConfig, t.Name, t.DefaultStrength, MinStrength, MaxStrength)
	}
	if t.IsBidirectional && strings.TrimSpace(t.ReverseTypeName) == "" {
		return fmt.Errorf("%w: bidirectional relationship type %q has no reverse type", shared.ErrConfig, t.Name)
	}
	return nil
}

// Equal reports whether two definitions describe the same type
func (t RelationshipType) Equal(other RelationshipType) bool {
	return t.Name == other.Name &&
		t.DisplayName == other.DisplayName &&
		t.Description == other.Description &&
		sameSet(t.SourceTypes, other.SourceTypes) &&
		sameSet(t.TargetTypes, other.TargetTypes) &&
		t.IsBidirectional == other.IsBidirectional &&
		t.ReverseTypeName == other.ReverseTypeName &&
		t.DefaultStrength == other.DefaultStrength &&
		t.IsSystem == other.IsSystem &&
		t.Color == other.Color &&
		t.Icon == other.Icon
}

func matchesKind(set []string, kind string) bool {
	for _, k := range set {
		if k == Wildcard || k == kind {
			return true
		}
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
