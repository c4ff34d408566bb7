package backfill

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/erp/entitygraph/internal/domain/shared"
)

// Normalize prepares free text for containment matching: accents removed,
// case folded, punctuation collapsed to single spaces.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	// Casers are stateful, one per call
	folded = cases.Fold().String(folded)
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// containsPhrase reports whether phrase occurs in text on word boundaries.
// Both arguments must already be normalized.
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

// NamedEntity is a candidate for name-based matching
type NamedEntity struct {
	Ref        shared.EntityRef
	Name       string
	normalized string
}

// LoadNamedEntities reads candidates of kind from reader, taking the display
// name from nameField. Rows with an empty name are ignored.
func LoadNamedEntities(ctx context.Context, reader shared.RecordReader, kind, nameField string) ([]NamedEntity, error) {
	var out []NamedEntity
	err := reader.Each(ctx, func(rec shared.Record) error {
		name, ok := rec.Fields.GetString(nameField)
		if !ok {
			return nil
		}
		out = append(out, NewNamedEntity(shared.NewEntityRef(kind, rec.ID), name))
		return nil
	})
	return out, err
}

// NewNamedEntity creates a matching candidate
func NewNamedEntity(ref shared.EntityRef, name string) NamedEntity {
	return NamedEntity{Ref: ref, Name: name, normalized: Normalize(name)}
}

// HandleDirectory resolves @handles to entities
type HandleDirectory map[string]shared.EntityRef

// LoadHandleDirectory reads handles of kind from reader. Handles are matched
// case-insensitively without the leading @.
func LoadHandleDirectory(ctx context.Context, reader shared.RecordReader, kind, handleField string) (HandleDirectory, error) {
	dir := HandleDirectory{}
	err := reader.Each(ctx, func(rec shared.Record) error {
		if h, ok := rec.Fields.GetString(handleField); ok {
			dir.Add(h, shared.NewEntityRef(kind, rec.ID))
		}
		return nil
	})
	return dir, err
}

// Add registers a handle
func (d HandleDirectory) Add(handle string, ref shared.EntityRef) {
	d[strings.ToLower(strings.TrimPrefix(handle, "@"))] = ref
}

// Lookup resolves a handle
func (d HandleDirectory) Lookup(handle string) (shared.EntityRef, bool) {
	ref, ok := d[strings.ToLower(strings.TrimPrefix(handle, "@"))]
	return ref, ok
}
