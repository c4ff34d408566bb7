package persistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/erp/entitygraph/internal/domain/shared"
)

// maxEmbedDepth bounds nested loads such as product -> category -> parent
const maxEmbedDepth = 2

// EntityTable maps an entity kind onto a table owned by another domain
type EntityTable struct {
	Kind     string
	Table    string
	IDColumn string
	// Embeds loads related rows under an attribute name, e.g.
	// "category" -> {Kind: "Category", Column: "category_id"}
	Embeds map[string]Embed
}

// Embed names the kind and foreign key column of an embedded entity
type Embed struct {
	Kind   string
	Column string
}

// GormEntityLookup implements shared.EntityLookup over configured tables
type GormEntityLookup struct {
	db     *gorm.DB
	tables map[string]EntityTable
}

// NewGormEntityLookup creates a lookup for the given kinds
func NewGormEntityLookup(db *gorm.DB, tables []EntityTable) *GormEntityLookup {
	byKind := make(map[string]EntityTable, len(tables))
	for _, t := range tables {
		if t.IDColumn == "" {
			t.IDColumn = "id"
		}
		byKind[t.Kind] = t
	}
	return &GormEntityLookup{db: db, tables: byKind}
}

func (l *GormEntityLookup) table(kind string) (EntityTable, error) {
	t, ok := l.tables[kind]
	if !ok {
		return EntityTable{}, fmt.Errorf("%w: no table mapped for entity kind %q", shared.ErrConfig, kind)
	}
	return t, nil
}

// Load reads the entity row and its embeds as attributes
func (l *GormEntityLookup) Load(ctx context.Context, ref shared.EntityRef) (shared.Attributes, error) {
	return l.load(ctx, ref, 0)
}

func (l *GormEntityLookup) load(ctx context.Context, ref shared.EntityRef, depth int) (shared.Attributes, error) {
	t, err := l.table(ref.Kind)
	if err != nil {
		return nil, err
	}

	row := map[string]any{}
	err = l.db.WithContext(ctx).
		Table(t.Table).
		Where(clause.Eq{Column: clause.Column{Name: t.IDColumn}, Value: ref.ID}).
		Take(&row).Error
	if err != nil {
		return nil, translateError(err, ref.String())
	}

	attrs := make(shared.Attributes, len(row)+len(t.Embeds))
	for k, v := range row {
		attrs[k] = normalizeColumn(v)
	}
	if depth >= maxEmbedDepth {
		return attrs, nil
	}
	for name, embed := range t.Embeds {
		fk := shared.Stringify(attrs[embed.Column])
		if fk == "" {
			continue
		}
		nested, err := l.load(ctx, shared.NewEntityRef(embed.Kind, fk), depth+1)
		if errors.Is(err, shared.ErrNotFound) {
			// dangling foreign key: leave the embed absent so defaults apply
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s.%s: %w", ref, name, err)
		}
		attrs[name] = nested
	}
	return attrs, nil
}

// Exists reports whether a row exists for ref
func (l *GormEntityLookup) Exists(ctx context.Context, ref shared.EntityRef) (bool, error) {
	t, err := l.table(ref.Kind)
	if err != nil {
		return false, err
	}
	var count int64
	err = l.db.WithContext(ctx).
		Table(t.Table).
		Where(clause.Eq{Column: clause.Column{Name: t.IDColumn}, Value: ref.ID}).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check %s: %w", ref, err)
	}
	return count > 0, nil
}

func normalizeColumn(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// GormRecordReader pages through a legacy table ordered by its ID column
type GormRecordReader struct {
	db        *gorm.DB
	table     string
	idColumn  string
	columns   []string
	where     string
	batchSize int
}

// RecordQuery describes the rows a GormRecordReader yields
type RecordQuery struct {
	Table    string
	IDColumn string
	Columns  []string
	// Where is an optional static SQL predicate from the catalog
	Where     string
	BatchSize int
}

// NewGormRecordReader creates a reader for q
func NewGormRecordReader(db *gorm.DB, q RecordQuery) *GormRecordReader {
	if q.IDColumn == "" {
		q.IDColumn = "id"
	}
	if q.BatchSize <= 0 {
		q.BatchSize = 500
	}
	return &GormRecordReader{
		db:        db,
		table:     q.Table,
		idColumn:  q.IDColumn,
		columns:   q.Columns,
		where:     q.Where,
		batchSize: q.BatchSize,
	}
}

// Each implements shared.RecordReader
func (r *GormRecordReader) Each(ctx context.Context, fn func(shared.Record) error) error {
	for offset := 0; ; offset += r.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		query := r.db.WithContext(ctx).Table(r.table)
		if len(r.columns) > 0 {
			query = query.Select(append([]string{r.idColumn}, r.columns...))
		}
		if r.where != "" {
			query = query.Where(r.where)
		}

		var rows []map[string]any
		err := query.
			Order(clause.OrderByColumn{Column: clause.Column{Name: r.idColumn}}).
			Offset(offset).
			Limit(r.batchSize).
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("read %s: %w", r.table, err)
		}

		for _, row := range rows {
			fields := make(shared.Attributes, len(row))
			for k, v := range row {
				fields[k] = normalizeColumn(v)
			}
			if err := fn(shared.Record{ID: shared.Stringify(fields[r.idColumn]), Fields: fields}); err != nil {
				return err
			}
		}
		if len(rows) < r.batchSize {
			return nil
		}
	}
}
