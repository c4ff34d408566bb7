package sku

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/domain/sku"
)

// abbreviationLength is the code length taken from a single-word value
const abbreviationLength = 3

// transformFuncs is the registered function table of the transform union
var transformFuncs = map[sku.TransformFunc]func(any) string{
	sku.TransformAbbreviate:   func(v any) string { return Abbreviate(shared.Stringify(v)) },
	sku.TransformArrayToCodes: ArrayToCodes,
}

// applyTransform maps a raw attribute value through t. A literal map is
// matched case-sensitively; unmapped values pass through unchanged.
func applyTransform(t sku.Transform, raw any) (string, error) {
	switch {
	case t.Map != nil:
		s := shared.Stringify(raw)
		if code, ok := t.Map[s]; ok {
			return code, nil
		}
		return s, nil
	case t.Func != "":
		fn, ok := transformFuncs[t.Func]
		if !ok {
			return "", fmt.Errorf("%w: unknown transform function %q", shared.ErrConfig, t.Func)
		}
		return fn(raw), nil
	default:
		return shared.Stringify(raw), nil
	}
}

// FoldAccents strips combining marks: "Café Grão" becomes "Cafe Grao"
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func words(s string) []string {
	return strings.FieldsFunc(FoldAccents(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Abbreviate builds an upper-case code: the initials of a multi-word value,
// or the first three characters of a single word.
func Abbreviate(s string) string {
	parts := words(s)
	switch len(parts) {
	case 0:
		return ""
	case 1:
		r := []rune(strings.ToUpper(parts[0]))
		return string(r[:min(len(r), abbreviationLength)])
	}
	var b strings.Builder
	for _, p := range parts {
		r := []rune(p)
		b.WriteRune(unicode.ToUpper(r[0]))
	}
	return b.String()
}

// ArrayToCodes concatenates the initials of every element. Slices are read
// element-wise; a string is split on commas.
func ArrayToCodes(v any) string {
	var items []string
	switch val := v.(type) {
	case []string:
		items = val
	case []any:
		for _, item := range val {
			items = append(items, shared.Stringify(item))
		}
	case nil:
	default:
		items = strings.Split(shared.Stringify(val), ",")
	}

	var b strings.Builder
	for _, item := range items {
		for _, w := range words(item) {
			b.WriteRune(unicode.ToUpper([]rune(w)[0]))
		}
	}
	return b.String()
}
