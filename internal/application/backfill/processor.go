// Package backfill derives explicit relationship edges from legacy data:
// foreign-key columns, @mentions in free text and name-based heuristics.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/infrastructure/logger"
	"github.com/erp/entitygraph/internal/infrastructure/telemetry"
)

// Source reads legacy records and derives the edges each one implies
type Source interface {
	// Name identifies the job in reports and logs
	Name() string
	// Provenance is written to metadata.migratedFrom on every derived edge
	Provenance() string
	Reader() shared.RecordReader
	// Derive returns the edges implied by one record; none is not an error
	Derive(ctx context.Context, rec shared.Record) ([]relationship.NewEdgeRequest, error)
}

// RelationshipWriter is the part of the relationship store the processor writes through
type RelationshipWriter interface {
	Upsert(ctx context.Context, req relationship.NewEdgeRequest) (*relationship.EntityRelationship, error)
	SoftDeleteMatching(ctx context.Context, filter relationship.EdgeFilter, by, event string) (int, error)
}

// RecordError is the failure of one record
type RecordError struct {
	RecordID string `json:"record_id"`
	Err      error  `json:"-"`
	Message  string `json:"error"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %s: %s", e.RecordID, e.Message)
}

func (e RecordError) Unwrap() error {
	return e.Err
}

// Report summarises a backfill run
type Report struct {
	Source       string        `json:"source"`
	Processed    int           `json:"processed"`
	Succeeded    int           `json:"succeeded"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	EdgesWritten int           `json:"edges_written"`
	Errors       []RecordError `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Config bounds a run
type Config struct {
	Workers       int
	RecordTimeout time.Duration
}

// DefaultConfig returns the default worker pool and timeout
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		RecordTimeout: 30 * time.Second,
	}
}

// Processor runs backfill sources. Records are independent: a failing record
// is reported and the run continues.
type Processor struct {
	relations RelationshipWriter
	lookup    shared.EntityLookup
	config    Config
	metrics   *telemetry.EngineMetrics
	logger    *zap.Logger
}

// NewProcessor creates a processor
func NewProcessor(relations RelationshipWriter, lookup shared.EntityLookup, cfg Config, metrics *telemetry.EngineMetrics, l *zap.Logger) *Processor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Processor{
		relations: relations,
		lookup:    lookup,
		config:    cfg,
		metrics:   metrics,
		logger:    l,
	}
}

type recordOutcome int

const (
	recordSucceeded recordOutcome = iota
	recordSkipped
	recordFailed
)

// Run processes every record of src. Cancelling ctx stops scheduling new
// records; records already written stay written and the partial report is
// returned with the context error.
func (p *Processor) Run(ctx context.Context, src Source) (Report, error) {
	ctx = logger.WithJob(ctx, src.Name())
	ctx, span := telemetry.StartServiceSpan(ctx, "backfill", "run",
		telemetry.WithAttribute(telemetry.SpanAttrBackfillSource, src.Name()),
	)
	defer span.End()
	log := logger.WithLogger(ctx, p.logger)
	start := time.Now()

	var (
		mu     sync.Mutex
		report = Report{Source: src.Name()}
	)
	g := new(errgroup.Group)
	g.SetLimit(p.config.Workers)

	readErr := src.Reader().Each(ctx, func(rec shared.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.Go(func() error {
			edges, outcome, err := p.processRecord(ctx, src, rec)

			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			report.EdgesWritten += edges
			switch outcome {
			case recordSucceeded:
				report.Succeeded++
				p.metrics.RecordBackfillRecord(ctx, src.Name(), telemetry.OutcomeCreated)
			case recordSkipped:
				report.Skipped++
				p.metrics.RecordBackfillRecord(ctx, src.Name(), telemetry.OutcomeSkipped)
			case recordFailed:
				report.Failed++
				report.Errors = append(report.Errors, RecordError{RecordID: rec.ID, Err: err, Message: err.Error()})
				p.metrics.RecordBackfillRecord(ctx, src.Name(), telemetry.OutcomeFailed)
				log.Warn("backfill record failed",
					zap.String("record_id", rec.ID),
					zap.Error(err),
				)
			}
			return nil
		})
		return nil
	})
	_ = g.Wait()

	sort.Slice(report.Errors, func(i, j int) bool { return report.Errors[i].RecordID < report.Errors[j].RecordID })
	report.Duration = time.Since(start)

	telemetry.SetAttributes(span, "processed", report.Processed, "failed", report.Failed, "edges_written", report.EdgesWritten)
	log.Info("backfill finished",
		zap.Int("processed", report.Processed),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("edges_written", report.EdgesWritten),
		zap.Duration("duration", report.Duration),
	)
	if readErr != nil {
		telemetry.RecordError(span, readErr)
		return report, fmt.Errorf("backfill %s: %w", src.Name(), readErr)
	}
	return report, nil
}

// processRecord derives and writes the edges of one record under the
// per-record timeout. Every endpoint is checked before the first write.
func (p *Processor) processRecord(ctx context.Context, src Source, rec shared.Record) (int, recordOutcome, error) {
	if p.config.RecordTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.RecordTimeout)
		defer cancel()
	}

	reqs, err := src.Derive(ctx, rec)
	if err != nil {
		return 0, recordFailed, err
	}
	if len(reqs) == 0 {
		return 0, recordSkipped, nil
	}

	for _, req := range reqs {
		for _, ref := range []shared.EntityRef{req.Source, req.Target} {
			ok, err := p.lookup.Exists(ctx, ref)
			if err != nil {
				return 0, recordFailed, fmt.Errorf("check %s: %w", ref, err)
			}
			if !ok {
				return 0, recordFailed, fmt.Errorf("%w: %s referenced by %s", shared.ErrNotFound, ref, req.RelationshipType)
			}
		}
	}

	written := 0
	for _, req := range reqs {
		req.Metadata = maps.Clone(req.Metadata)
		if req.Metadata == nil {
			req.Metadata = map[string]any{}
		}
		req.Metadata[relationship.MetaMigratedFrom] = src.Provenance()
		if _, err := p.relations.Upsert(ctx, req); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("record timed out after %s: %w", p.config.RecordTimeout, err)
			}
			return written, recordFailed, err
		}
		written++
	}
	return written, recordSucceeded, nil
}

// RevertProvenance soft-deletes every live edge whose metadata.migratedFrom
// equals marker and returns how many were deleted.
func (p *Processor) RevertProvenance(ctx context.Context, marker, by string) (int, error) {
	if marker == "" {
		return 0, fmt.Errorf("%w: provenance marker is required", shared.ErrInvalidInput)
	}
	n, err := p.relations.SoftDeleteMatching(ctx, relationship.EdgeFilter{
		MetadataEquals: map[string]string{relationship.MetaMigratedFrom: marker},
	}, by, relationship.AuditProvenanceRevert)
	if err != nil {
		return n, err
	}
	logger.WithLogger(ctx, p.logger).Info("backfill provenance reverted",
		zap.String("marker", marker),
		zap.Int("deleted", n),
		zap.String("by", by),
	)
	return n, nil
}
