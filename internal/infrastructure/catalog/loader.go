package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/erp/entitygraph/internal/domain/shared"
)

//go:embed default.yaml
var defaultCatalog []byte

// Default returns the built-in catalog
func Default() (*Catalog, error) {
	return Parse(defaultCatalog, "yaml")
}

// ObjectReader fetches a catalog document named by an s3:// uri
type ObjectReader interface {
	Open(ctx context.Context, uri string) ([]byte, error)
}

// Loader resolves a catalog source: empty for the built-in catalog, an
// s3://bucket/key uri, or a local file path.
type Loader struct {
	objects ObjectReader
	logger  *zap.Logger
}

// NewLoader creates a loader. objects may be nil when no remote catalogs are used.
func NewLoader(objects ObjectReader, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{objects: objects, logger: logger}
}

// Load reads and validates the catalog at source
func (l *Loader) Load(ctx context.Context, source string) (*Catalog, error) {
	if source == "" {
		l.logger.Info("Using built-in catalog")
		return Default()
	}

	format, err := formatOf(source)
	if err != nil {
		return nil, err
	}

	var data []byte
	if strings.HasPrefix(source, "s3://") {
		if l.objects == nil {
			return nil, fmt.Errorf("%w: catalog %s needs s3 access", shared.ErrConfig, source)
		}
		data, err = l.objects.Open(ctx, source)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load catalog %s: %v", shared.ErrConfig, source, err)
	}

	c, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", source, err)
	}
	l.logger.Info("Catalog loaded",
		zap.String("source", source),
		zap.Int("relationship_types", len(c.Types)),
		zap.Int("templates", len(c.Templates)),
		zap.Int("entities", len(c.Entities)),
		zap.Int("backfill_jobs", len(c.Jobs)),
	)
	return c, nil
}

func formatOf(source string) (string, error) {
	switch ext := strings.ToLower(strings.TrimPrefix(path.Ext(source), ".")); ext {
	case "yaml", "yml":
		return "yaml", nil
	case "toml", "json":
		return ext, nil
	default:
		return "", fmt.Errorf("%w: catalog %s must be .yaml, .toml or .json", shared.ErrConfig, source)
	}
}
