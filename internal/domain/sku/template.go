package sku

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/erp/entitygraph/internal/domain/shared"
)

// Segment is a piece of a parsed template: literal text or a placeholder
type Segment struct {
	Literal     string
	Placeholder string
	Args        []string
}

// IsPlaceholder reports whether the segment is a placeholder
func (s Segment) IsPlaceholder() bool {
	return s.Placeholder != ""
}

// ParseTemplate splits a template into literal and placeholder segments.
// Placeholders are {name} or {name:arg1,arg2}; nesting is not supported.
func ParseTemplate(text string) ([]Segment, error) {
	var (
		segments []Segment
		literal  strings.Builder
	)
	flush := func() {
		if literal.Len() > 0 {
			segments = append(segments, Segment{Literal: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed placeholder at offset %d in %q", shared.ErrConfig, i, text)
			}
			body := text[i+1 : i+1+end]
			if strings.ContainsRune(body, '{') {
				return nil, fmt.Errorf("%w: nested placeholder at offset %d in %q", shared.ErrConfig, i, text)
			}
			seg, err := parsePlaceholder(body)
			if err != nil {
				return nil, fmt.Errorf("%w in %q", err, text)
			}
			flush()
			segments = append(segments, seg)
			i += end + 1
		case '}':
			return nil, fmt.Errorf("%w: unmatched '}' at offset %d in %q", shared.ErrConfig, i, text)
		default:
			literal.WriteByte(text[i])
		}
	}
	flush()
	return segments, nil
}

func parsePlaceholder(body string) (Segment, error) {
	name, rawArgs, hasArgs := strings.Cut(body, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return Segment{}, fmt.Errorf("%w: empty placeholder name", shared.ErrConfig)
	}
	seg := Segment{Placeholder: name}
	if hasArgs {
		for _, a := range strings.Split(rawArgs, ",") {
			seg.Args = append(seg.Args, strings.TrimSpace(a))
		}
	}
	return seg, nil
}

// SKUTemplate is an identifier scheme for one entity type
type SKUTemplate struct {
	shared.BaseEntity
	TenantID          string
	EntityType        string
	Name              string
	Template          string
	Components        map[string]ComponentSpec
	IsActive          bool
	IsDefault         bool
	ValidationPattern string
	ExampleOutput     string
	// ExpiresAfter sets EntitySKU.ExpiresAt when positive
	ExpiresAfter time.Duration
}

// NewSKUTemplate creates an active template
func NewSKUTemplate(entityType, name, template string, components map[string]ComponentSpec, now time.Time) *SKUTemplate {
	return &SKUTemplate{
		BaseEntity: shared.NewBaseEntity(now),
		EntityType: entityType,
		Name:       name,
		Template:   template,
		Components: components,
		IsActive:   true,
	}
}

// Validate compiles the template and reports any configuration error
func (t *SKUTemplate) Validate() error {
	_, err := t.Compile()
	return err
}

// Placeholder is a placeholder bound to its effective component spec
type Placeholder struct {
	Name string
	Spec ComponentSpec
}

// CompiledTemplate is a parsed template ready to render
type CompiledTemplate struct {
	Template *SKUTemplate
	Segments []Segment
	// Specs holds the effective spec of each placeholder segment, by segment index
	Specs   map[int]Placeholder
	Pattern *regexp.Regexp
}

// Compile parses the template string, binds every placeholder to its spec and
// compiles the validation pattern.
func (t *SKUTemplate) Compile() (*CompiledTemplate, error) {
	if strings.TrimSpace(t.EntityType) == "" {
		return nil, fmt.Errorf("%w: template %q has no entity type", shared.ErrConfig, t.Name)
	}
	names := slices.Sorted(maps.Keys(t.Components))
	for _, name := range names {
		if err := t.Components[name].Validate(name); err != nil {
			return nil, err
		}
	}
	segments, err := ParseTemplate(t.Template)
	if err != nil {
		return nil, err
	}
	compiled := &CompiledTemplate{
		Template: t,
		Segments: segments,
		Specs:    make(map[int]Placeholder),
	}
	for i, seg := range segments {
		if !seg.IsPlaceholder() {
			continue
		}
		spec, err := t.effectiveSpec(seg)
		if err != nil {
			return nil, err
		}
		compiled.Specs[i] = Placeholder{Name: seg.Placeholder, Spec: spec}
	}
	if t.ValidationPattern != "" {
		if _, err := regexp.Compile(t.ValidationPattern); err != nil {
			return nil, fmt.Errorf("%w: template %q has invalid pattern: %v", shared.ErrConfig, t.Name, err)
		}
		// the pattern must cover the whole value
		re, err := regexp.Compile(`^(?:` + t.ValidationPattern + `)$`)
		if err != nil {
			return nil, fmt.Errorf("%w: template %q has invalid pattern: %v", shared.ErrConfig, t.Name, err)
		}
		compiled.Pattern = re
	}
	return compiled, nil
}

// HasSequence reports whether rendering draws from a sequence counter
func (c *CompiledTemplate) HasSequence() bool {
	for _, p := range c.Specs {
		if p.Spec.Kind == KindSequence {
			return true
		}
	}
	return false
}

// Matches reports whether value satisfies the validation pattern
func (c *CompiledTemplate) Matches(value string) bool {
	return c.Pattern == nil || c.Pattern.MatchString(value)
}

// effectiveSpec merges inline placeholder args into the configured spec.
// {sequence:length,scope} without a configured component is an implicit
// sequence.
func (t *SKUTemplate) effectiveSpec(seg Segment) (ComponentSpec, error) {
	spec, ok := t.Components[seg.Placeholder]
	if !ok {
		if seg.Placeholder != string(KindSequence) {
			return ComponentSpec{}, fmt.Errorf("%w: placeholder {%s} in template %q has no component", shared.ErrConfig, seg.Placeholder, t.Name)
		}
		spec = ComponentSpec{Kind: KindSequence}
	}

	args := seg.Args
	switch spec.Kind {
	case KindSequence:
		if len(args) > 0 && args[0] != "" {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return ComponentSpec{}, fmt.Errorf("%w: placeholder {%s} length %q is not a number", shared.ErrConfig, seg.Placeholder, args[0])
			}
			spec.Length = n
		}
		if len(args) > 1 && args[1] != "" {
			spec.Scope = SequenceScope(args[1])
		}
		if len(args) > 2 {
			return ComponentSpec{}, fmt.Errorf("%w: placeholder {%s} takes at most length and scope", shared.ErrConfig, seg.Placeholder)
		}
	case KindDate:
		if len(args) > 1 {
			return ComponentSpec{}, fmt.Errorf("%w: placeholder {%s} takes only a format", shared.ErrConfig, seg.Placeholder)
		}
		if len(args) == 1 && args[0] != "" {
			spec.Format = args[0]
		}
	default:
		if len(args) > 1 {
			return ComponentSpec{}, fmt.Errorf("%w: placeholder {%s} takes only a length", shared.ErrConfig, seg.Placeholder)
		}
		if len(args) == 1 && args[0] != "" {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return ComponentSpec{}, fmt.Errorf("%w: placeholder {%s} length %q is not a number", shared.ErrConfig, seg.Placeholder, args[0])
			}
			spec.Length = n
		}
	}

	if err := spec.Validate(seg.Placeholder); err != nil {
		return ComponentSpec{}, err
	}
	return spec, nil
}

// ValidateTemplates compiles every template and checks that each entity type
// (per tenant) has exactly one active default.
func ValidateTemplates(templates []SKUTemplate) error {
	defaults := make(map[string]int)
	for i := range templates {
		t := &templates[i]
		if err := t.Validate(); err != nil {
			return err
		}
		key := t.TenantID + "/" + t.EntityType
		if _, ok := defaults[key]; !ok {
			defaults[key] = 0
		}
		if t.IsActive && t.IsDefault {
			defaults[key]++
		}
	}
	for _, key := range slices.Sorted(maps.Keys(defaults)) {
		if n := defaults[key]; n != 1 {
			tenant, entityType, _ := strings.Cut(key, "/")
			if tenant != "" {
				entityType = tenant + "/" + entityType
			}
			return fmt.Errorf("%w: entity type %s has %d active default templates, want exactly 1", shared.ErrConfig, entityType, n)
		}
	}
	return nil
}
