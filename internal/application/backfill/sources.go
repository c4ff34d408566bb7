package backfill

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
)

// Provenance markers of the heuristic sources
const (
	ProvenanceMention            = "mention"
	ProvenanceVendorCooccurrence = "vendor_cooccurrence"
	ProvenanceNameMatching       = "name_matching"
	defaultMentionRelationship   = "mentions"
	defaultVendorRelationship    = "supplied_by"
	defaultNameMatchRelationship = "funds"
	defaultMinMatchLength        = 4
)

// base carries the settings every source shares
type base struct {
	name       string
	provenance string
	reader     shared.RecordReader
	// tenantField, when set, is read from each record into the edge tenant
	tenantField string
}

func (b base) Name() string { return b.name }
func (b base) Provenance() string { return b.provenance }
func (b base) Reader() shared.RecordReader { return b.reader }

func (b base) tenant(rec shared.Record) string {
	if b.tenantField == "" {
		return ""
	}
	t, _ := rec.Fields.GetString(b.tenantField)
	return t
}

// ForeignKeySource turns a legacy foreign-key column into an edge from the
// record's entity to the referenced entity.
type ForeignKeySource struct {
	base
	RelationshipType string
	SourceKind       string
	TargetKind       string
	// TargetField holds the referenced id
	TargetField string
	// SourceField holds the owning id; empty means the record id
	SourceField string
}

// NewForeignKeySource creates a foreign-key source. The provenance defaults
// to "legacy:<name>".
func NewForeignKeySource(name string, reader shared.RecordReader, relType, sourceKind, targetKind, targetField string) *ForeignKeySource {
	return &ForeignKeySource{
		base:             base{name: name, provenance: "legacy:" + name, reader: reader},
		RelationshipType: relType,
		SourceKind:       sourceKind,
		TargetKind:       targetKind,
		TargetField:      targetField,
	}
}

// Derive implements Source. Records with an empty foreign key imply no edge.
func (s *ForeignKeySource) Derive(_ context.Context, rec shared.Record) ([]relationship.NewEdgeRequest, error) {
	targetID, ok := rec.Fields.GetString(s.TargetField)
	if !ok {
		return nil, nil
	}
	sourceID := rec.ID
	if s.SourceField != "" {
		if sourceID, ok = rec.Fields.GetString(s.SourceField); !ok {
			return nil, fmt.Errorf("%w: record has no %s", shared.ErrInvalidInput, s.SourceField)
		}
	}
	return []relationship.NewEdgeRequest{{
		RelationshipType: s.RelationshipType,
		Source:           shared.NewEntityRef(s.SourceKind, sourceID),
		Target:           shared.NewEntityRef(s.TargetKind, targetID),
		TenantID:         s.tenant(rec),
		Metadata:         map[string]any{"legacyField": s.TargetField},
	}}, nil
}

var mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9_][A-Za-z0-9_.-]*)`)

// MentionSource links the subject of a comment to every user @mentioned in
// its body.
type MentionSource struct {
	base
	RelationshipType string
	Handles          HandleDirectory
	BodyField        string
	// SubjectKind and SubjectField locate the commented entity; an empty
	// SubjectField makes the comment record itself the source.
	SubjectKind  string
	SubjectField string
	// UnknownHandleFails turns an unresolvable handle into a record error
	UnknownHandleFails bool
}

// NewMentionSource creates a mention source
func NewMentionSource(name string, reader shared.RecordReader, handles HandleDirectory, bodyField, subjectKind, subjectField string) *MentionSource {
	return &MentionSource{
		base:             base{name: name, provenance: ProvenanceMention, reader: reader},
		RelationshipType: defaultMentionRelationship,
		Handles:          handles,
		BodyField:        bodyField,
		SubjectKind:      subjectKind,
		SubjectField:     subjectField,
	}
}

// Mentions returns the distinct handles in body, in order of appearance
func Mentions(body string) []string {
	var out []string
	for _, m := range mentionPattern.FindAllStringSubmatch(body, -1) {
		h := strings.TrimRight(m[1], ".-")
		if h != "" && !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}

// Derive implements Source
func (s *MentionSource) Derive(_ context.Context, rec shared.Record) ([]relationship.NewEdgeRequest, error) {
	body, ok := rec.Fields.GetString(s.BodyField)
	if !ok {
		return nil, nil
	}
	subjectID := rec.ID
	if s.SubjectField != "" {
		if subjectID, ok = rec.Fields.GetString(s.SubjectField); !ok {
			return nil, fmt.Errorf("%w: comment has no %s", shared.ErrInvalidInput, s.SubjectField)
		}
	}
	subject := shared.NewEntityRef(s.SubjectKind, subjectID)

	var reqs []relationship.NewEdgeRequest
	for _, handle := range Mentions(body) {
		user, ok := s.Handles.Lookup(handle)
		if !ok {
			if s.UnknownHandleFails {
				return nil, fmt.Errorf("%w: unknown handle @%s", shared.ErrNotFound, handle)
			}
			continue
		}
		reqs = append(reqs, relationship.NewEdgeRequest{
			RelationshipType: s.RelationshipType,
			Source:           subject,
			Target:           user,
			TenantID:         s.tenant(rec),
			Metadata:         map[string]any{"handle": handle, "commentId": rec.ID},
		})
	}
	return reqs, nil
}

// VendorCooccurrenceSource links a cost record to every known vendor whose
// name appears in its free-text description.
type VendorCooccurrenceSource struct {
	base
	RelationshipType string
	Vendors          []NamedEntity
	SubjectKind      string
	DescriptionField string
	// AmountField, when set, is normalized and stored on the edge
	AmountField string
}

// NewVendorCooccurrenceSource creates a vendor co-occurrence source
func NewVendorCooccurrenceSource(name string, reader shared.RecordReader, vendors []NamedEntity, subjectKind, descriptionField, amountField string) *VendorCooccurrenceSource {
	return &VendorCooccurrenceSource{
		base:             base{name: name, provenance: ProvenanceVendorCooccurrence, reader: reader},
		RelationshipType: defaultVendorRelationship,
		Vendors:          vendors,
		SubjectKind:      subjectKind,
		DescriptionField: descriptionField,
		AmountField:      amountField,
	}
}

// Derive implements Source
func (s *VendorCooccurrenceSource) Derive(_ context.Context, rec shared.Record) ([]relationship.NewEdgeRequest, error) {
	desc, ok := rec.Fields.GetString(s.DescriptionField)
	if !ok {
		return nil, nil
	}
	text := Normalize(desc)

	var amount string
	if s.AmountField != "" {
		if raw, ok := rec.Fields.GetString(s.AmountField); ok {
			d, err := ParseAmount(raw)
			if err != nil {
				return nil, err
			}
			amount = d.StringFixed(2)
		}
	}

	var reqs []relationship.NewEdgeRequest
	for _, v := range s.Vendors {
		if len(v.normalized) < defaultMinMatchLength || !containsPhrase(text, v.normalized) {
			continue
		}
		meta := map[string]any{"matchedName": v.Name}
		if amount != "" {
			meta["amount"] = amount
		}
		reqs = append(reqs, relationship.NewEdgeRequest{
			RelationshipType: s.RelationshipType,
			Source:           shared.NewEntityRef(s.SubjectKind, rec.ID),
			Target:           v.Ref,
			TenantID:         s.tenant(rec),
			Metadata:         meta,
			Tags:             []string{"heuristic"},
		})
	}
	return reqs, nil
}

// ParseAmount reads a legacy money value. Thousands separators and currency
// symbols are dropped; a comma followed by one or two trailing digits is
// taken as the decimal separator.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' || r == '-' {
			return r
		}
		return -1
	}, s)
	if i := strings.LastIndexByte(s, ','); i >= 0 && len(s)-i-1 <= 2 && !strings.Contains(s[i:], ".") {
		s = strings.ReplaceAll(s[:i], ".", "") + "." + s[i+1:]
	}
	s = strings.ReplaceAll(s, ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q: %v", shared.ErrInvalidInput, raw, err)
	}
	return d, nil
}

// NameMatchingSource links a record (a budget) to the one candidate (a
// project) whose normalized name contains, or is contained in, the record's
// name as a plain substring. Names shorter than MinLength never match.
// Ambiguous matches are reported, not guessed.
type NameMatchingSource struct {
	base
	RelationshipType string
	Candidates       []NamedEntity
	SubjectKind      string
	NameField        string
	MinLength        int
}

// NewNameMatchingSource creates a name matching source
func NewNameMatchingSource(name string, reader shared.RecordReader, candidates []NamedEntity, subjectKind, nameField string) *NameMatchingSource {
	return &NameMatchingSource{
		base:             base{name: name, provenance: ProvenanceNameMatching, reader: reader},
		RelationshipType: defaultNameMatchRelationship,
		Candidates:       candidates,
		SubjectKind:      subjectKind,
		NameField:        nameField,
		MinLength:        defaultMinMatchLength,
	}
}

// Derive implements Source
func (s *NameMatchingSource) Derive(_ context.Context, rec shared.Record) ([]relationship.NewEdgeRequest, error) {
	raw, ok := rec.Fields.GetString(s.NameField)
	if !ok {
		return nil, nil
	}
	name := Normalize(raw)
	if len(name) < s.MinLength {
		return nil, nil
	}

	var matches []NamedEntity
	for _, c := range s.Candidates {
		if len(c.normalized) < s.MinLength {
			continue
		}
		if strings.Contains(name, c.normalized) || strings.Contains(c.normalized, name) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Ref.String()
		}
		return nil, fmt.Errorf("%w: %q matches %s", shared.ErrInvalidInput, raw, strings.Join(names, ", "))
	}

	return []relationship.NewEdgeRequest{{
		RelationshipType: s.RelationshipType,
		Source:           shared.NewEntityRef(s.SubjectKind, rec.ID),
		Target:           matches[0].Ref,
		TenantID:         s.tenant(rec),
		Metadata:         map[string]any{"matchedName": matches[0].Name},
		Tags:             []string{"heuristic"},
	}}, nil
}
