// Package catalog loads the static configuration the engine runs on:
// relationship types, SKU templates, entity table mappings and backfill jobs.
// An invalid catalog is a fatal configuration error.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/erp/entitygraph/internal/application/backfill"
	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/domain/sku"
	"github.com/erp/entitygraph/internal/infrastructure/persistence"
)

// defaultStrength applies when a type leaves default_strength unset
const defaultStrength = 3

// templateNamespace derives stable template ids so reseeding updates rows in place
var templateNamespace = uuid.MustParse("6f1c2a7e-3b44-5d0e-9a61-2f7d8c9b0e15")

var (
	identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	sqlIdentPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

// Catalog is a loaded and validated catalog
type Catalog struct {
	Types     []relationship.RelationshipType
	Registry  *relationship.TypeRegistry
	Templates []sku.SKUTemplate
	Entities  []persistence.EntityTable
	Jobs      []backfill.JobSpec
}

// Job returns the backfill job with the given name
func (c *Catalog) Job(name string) (backfill.JobSpec, bool) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return backfill.JobSpec{}, false
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return sqlIdentPattern.MatchString(fl.Field().String())
	})
	return v
}

// Parse decodes a catalog document. format is yaml, toml or json.
func Parse(data []byte, format string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: read catalog: %v", shared.ErrConfig, err)
	}
	var file File
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %v", shared.ErrConfig, err)
	}
	return Build(file)
}

// Build validates a decoded catalog and converts it to domain types
func Build(file File) (*Catalog, error) {
	if err := newValidator().Struct(file); err != nil {
		return nil, fmt.Errorf("%w: %s", shared.ErrConfig, describeValidation(err))
	}

	c := &Catalog{}
	for _, def := range file.RelationshipTypes {
		c.Types = append(c.Types, def.toDomain())
	}
	registry, err := relationship.LoadTypes(c.Types...)
	if err != nil {
		return nil, err
	}
	c.Registry = registry

	for _, def := range file.Templates {
		tmpl, err := def.toDomain()
		if err != nil {
			return nil, err
		}
		c.Templates = append(c.Templates, tmpl)
	}
	if err := sku.ValidateTemplates(c.Templates); err != nil {
		return nil, err
	}

	kinds := make(map[string]bool, len(file.Entities))
	for _, def := range file.Entities {
		if kinds[def.Kind] {
			return nil, fmt.Errorf("%w: entity kind %q mapped twice", shared.ErrConfig, def.Kind)
		}
		kinds[def.Kind] = true
		c.Entities = append(c.Entities, def.toDomain())
	}

	names := make(map[string]bool, len(file.Backfill))
	for _, def := range file.Backfill {
		if names[def.Name] {
			return nil, fmt.Errorf("%w: backfill job %q declared twice", shared.ErrConfig, def.Name)
		}
		names[def.Name] = true
		c.Jobs = append(c.Jobs, def.toDomain())
	}
	return c, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}

func (d RelationshipTypeDef) toDomain() relationship.RelationshipType {
	strength := d.DefaultStrength
	if strength == 0 {
		strength = defaultStrength
	}
	return relationship.RelationshipType{
		Name:            d.Name,
		DisplayName:     d.DisplayName,
		Description:     d.Description,
		SourceTypes:     d.SourceTypes,
		TargetTypes:     d.TargetTypes,
		IsBidirectional: d.Bidirectional,
		ReverseTypeName: d.Reverse,
		DefaultStrength: strength,
		IsSystem:        d.System,
		Color:           d.Color,
		Icon:            d.Icon,
	}
}

func (d TemplateDef) toDomain() (sku.SKUTemplate, error) {
	components := make(map[string]sku.ComponentSpec, len(d.Components))
	for _, c := range d.Components {
		if _, dup := components[c.Name]; dup {
			return sku.SKUTemplate{}, fmt.Errorf("%w: template %q declares component %q twice", shared.ErrConfig, d.Name, c.Name)
		}
		components[c.Name] = c.toDomain()
	}
	return sku.SKUTemplate{
		BaseEntity:        shared.BaseEntity{ID: uuid.NewSHA1(templateNamespace, []byte(d.Tenant+"/"+d.EntityType+"/"+d.Name))},
		TenantID:          d.Tenant,
		EntityType:        d.EntityType,
		Name:              d.Name,
		Template:          d.Template,
		Components:        components,
		IsActive:          !d.Inactive,
		IsDefault:         d.Default,
		ValidationPattern: d.Pattern,
		ExampleOutput:     d.Example,
		ExpiresAfter:      d.ExpiresAfter,
	}, nil
}

func (d ComponentDef) toDomain() sku.ComponentSpec {
	spec := sku.ComponentSpec{
		Kind:             sku.ComponentKind(d.Type),
		Field:            d.Field,
		RelationshipType: d.RelationshipType,
		Format:           d.Format,
		Scope:            sku.SequenceScope(d.Scope),
		ScopeField:       d.ScopeField,
		Length:           d.Length,
		Default:          d.Default,
	}
	switch {
	case len(d.Values) > 0:
		m := make(map[string]string, len(d.Values))
		for _, v := range d.Values {
			m[v.From] = v.To
		}
		spec.Transform = sku.LiteralMap(m)
	case d.Transform != "":
		spec.Transform = sku.NamedFunction(sku.TransformFunc(d.Transform))
	}
	return spec
}

func (d EntityDef) toDomain() persistence.EntityTable {
	t := persistence.EntityTable{Kind: d.Kind, Table: d.Table, IDColumn: d.IDColumn}
	if len(d.Embeds) > 0 {
		t.Embeds = make(map[string]persistence.Embed, len(d.Embeds))
		for _, e := range d.Embeds {
			t.Embeds[e.Name] = persistence.Embed{Kind: e.Kind, Column: e.Column}
		}
	}
	return t
}

func (d QueryDef) toDomain() backfill.TableQuery {
	return backfill.TableQuery{Table: d.Table, IDColumn: d.IDColumn, Columns: d.Columns, Where: d.Where}
}

func (d JobDef) toDomain() backfill.JobSpec {
	job := backfill.JobSpec{
		Name:               d.Name,
		Kind:               d.Kind,
		Records:            d.Records.toDomain(),
		RelationshipType:   d.RelationshipType,
		Provenance:         d.Provenance,
		TenantField:        d.TenantField,
		SourceKind:         d.SourceKind,
		TargetKind:         d.TargetKind,
		SourceField:        d.SourceField,
		TargetField:        d.TargetField,
		BodyField:          d.BodyField,
		SubjectKind:        d.SubjectKind,
		SubjectField:       d.SubjectField,
		UnknownHandleFails: d.FailUnknown,
		DescriptionField:   d.DescriptionField,
		AmountField:        d.AmountField,
		NameField:          d.NameField,
		MinLength:          d.MinLength,
	}
	if d.Lookup != nil {
		job.Lookup = &backfill.LookupSpec{Kind: d.Lookup.Kind, Query: d.Lookup.Query.toDomain(), Field: d.Lookup.Field}
	}
	return job
}
