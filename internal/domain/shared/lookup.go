package shared

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Attributes is a read-only view of an entity owned by another domain
type Attributes map[string]any

// Get reads a field. Dotted paths descend into nested maps (role.name).
func (a Attributes) Get(path string) (any, bool) {
	if a == nil || path == "" {
		return nil, false
	}
	var current any = map[string]any(a)
	for _, part := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		case Attributes:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// GetString reads a field and renders scalar values as text.
// Missing fields, nil values and empty strings report false.
func (a Attributes) GetString(path string) (string, bool) {
	v, ok := a.Get(path)
	if !ok {
		return "", false
	}
	s := Stringify(v)
	return s, s != ""
}

// Stringify renders a scalar attribute value as text
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// EntityLookup gives read-only access to entities owned by other domains.
// Load returns ErrNotFound when the entity does not exist.
type EntityLookup interface {
	Load(ctx context.Context, ref EntityRef) (Attributes, error)
	Exists(ctx context.Context, ref EntityRef) (bool, error)
}

// Record is one row read from a legacy source during a backfill
type Record struct {
	ID     string
	Fields Attributes
}

// RecordReader streams legacy rows. Each stops at the first error returned by fn.
type RecordReader interface {
	Each(ctx context.Context, fn func(Record) error) error
}
