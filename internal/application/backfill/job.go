package backfill

import (
	"context"
	"fmt"

	"github.com/erp/entitygraph/internal/domain/shared"
)

// Job kinds
const (
	JobForeignKey         = "foreign_key"
	JobMention            = "mention"
	JobVendorCooccurrence = "vendor_cooccurrence"
	JobNameMatching       = "name_matching"
)

// TableQuery locates legacy rows
type TableQuery struct {
	Table    string
	IDColumn string
	Columns  []string
	Where    string
}

// LookupSpec loads the reference entities a heuristic job matches against:
// user handles for mentions, vendor or project names for the name heuristics.
type LookupSpec struct {
	Kind  string
	Query TableQuery
	Field string
}

// JobSpec is a configured backfill job
type JobSpec struct {
	Name             string
	Kind             string
	Records          TableQuery
	RelationshipType string
	Provenance       string
	TenantField      string

	// foreign_key
	SourceKind  string
	TargetKind  string
	SourceField string
	TargetField string

	// mention
	BodyField          string
	SubjectKind        string
	SubjectField       string
	UnknownHandleFails bool

	// vendor_cooccurrence
	DescriptionField string
	AmountField      string

	// name_matching
	NameField string
	MinLength int

	Lookup *LookupSpec
}

// ReaderFactory opens a record reader over a table
type ReaderFactory func(TableQuery) shared.RecordReader

// BuildSource turns a job into a Source. Heuristic jobs load their lookup
// entities eagerly.
func BuildSource(ctx context.Context, job JobSpec, readers ReaderFactory) (Source, error) {
	records := readers(job.Records)
	var src Source

	switch job.Kind {
	case JobForeignKey:
		s := NewForeignKeySource(job.Name, records, job.RelationshipType, job.SourceKind, job.TargetKind, job.TargetField)
		s.SourceField = job.SourceField
		s.tenantField = job.TenantField
		if job.Provenance != "" {
			s.provenance = job.Provenance
		}
		src = s

	case JobMention:
		if job.Lookup == nil {
			return nil, fmt.Errorf("%w: mention job %q needs a handle lookup", shared.ErrConfig, job.Name)
		}
		handles, err := LoadHandleDirectory(ctx, readers(job.Lookup.Query), job.Lookup.Kind, job.Lookup.Field)
		if err != nil {
			return nil, fmt.Errorf("load handles for %q: %w", job.Name, err)
		}
		s := NewMentionSource(job.Name, records, handles, job.BodyField, job.SubjectKind, job.SubjectField)
		s.UnknownHandleFails = job.UnknownHandleFails
		s.tenantField = job.TenantField
		if job.RelationshipType != "" {
			s.RelationshipType = job.RelationshipType
		}
		src = s

	case JobVendorCooccurrence:
		if job.Lookup == nil {
			return nil, fmt.Errorf("%w: vendor job %q needs a vendor lookup", shared.ErrConfig, job.Name)
		}
		vendors, err := LoadNamedEntities(ctx, readers(job.Lookup.Query), job.Lookup.Kind, job.Lookup.Field)
		if err != nil {
			return nil, fmt.Errorf("load vendors for %q: %w", job.Name, err)
		}
		s := NewVendorCooccurrenceSource(job.Name, records, vendors, job.SubjectKind, job.DescriptionField, job.AmountField)
		s.tenantField = job.TenantField
		if job.RelationshipType != "" {
			s.RelationshipType = job.RelationshipType
		}
		src = s

	case JobNameMatching:
		if job.Lookup == nil {
			return nil, fmt.Errorf("%w: name matching job %q needs a candidate lookup", shared.ErrConfig, job.Name)
		}
		candidates, err := LoadNamedEntities(ctx, readers(job.Lookup.Query), job.Lookup.Kind, job.Lookup.Field)
		if err != nil {
			return nil, fmt.Errorf("load candidates for %q: %w", job.Name, err)
		}
		s := NewNameMatchingSource(job.Name, records, candidates, job.SubjectKind, job.NameField)
		s.tenantField = job.TenantField
		if job.RelationshipType != "" {
			s.RelationshipType = job.RelationshipType
		}
		if job.MinLength > 0 {
			s.MinLength = job.MinLength
		}
		src = s

	default:
		return nil, fmt.Errorf("%w: backfill job %q has unknown kind %q", shared.ErrConfig, job.Name, job.Kind)
	}
	return src, nil
}
