package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	backfillapp "github.com/erp/entitygraph/internal/application/backfill"
	relationshipapp "github.com/erp/entitygraph/internal/application/relationship"
	skuapp "github.com/erp/entitygraph/internal/application/sku"
	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/infrastructure/cache"
	"github.com/erp/entitygraph/internal/infrastructure/catalog"
	"github.com/erp/entitygraph/internal/infrastructure/config"
	"github.com/erp/entitygraph/internal/infrastructure/logger"
	"github.com/erp/entitygraph/internal/infrastructure/persistence"
	"github.com/erp/entitygraph/internal/infrastructure/scheduler"
	"github.com/erp/entitygraph/internal/infrastructure/storage"
	"github.com/erp/entitygraph/internal/infrastructure/telemetry"
)

// app holds the wired engine for one CLI invocation
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	catalog *catalog.Catalog

	db        *persistence.Database
	relations *relationshipapp.Service
	skus      *skuapp.Engine
	backfill  *backfillapp.Processor

	// memSeq is set when counters live in process memory
	memSeq     *cache.InMemorySequenceStore
	checkpoint *persistence.GormSequenceStore

	closers []func(context.Context) error
}

// loadCatalog resolves the configured catalog, fetching s3:// sources
// through the object store.
func loadCatalog(ctx context.Context, cfg *config.Config, log *zap.Logger) (*catalog.Catalog, error) {
	var objects catalog.ObjectReader
	if strings.HasPrefix(cfg.Catalog.Source, "s3://") {
		s3, err := storage.NewS3ObjectStorage(ctx, &cfg.S3, storage.WithLogger(log))
		if err != nil {
			return nil, err
		}
		objects = s3
	}
	return catalog.NewLoader(objects, log).Load(ctx, cfg.Catalog.Source)
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, tp.Shutdown)

	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, mp.Shutdown)

	metrics, err := telemetry.NewEngineMetrics(mp.Meter("entitygraph"))
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.catalog, err = loadCatalog(ctx, cfg, log)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.db, err = persistence.NewDatabase(&cfg.Database, persistence.Options{
		Logger:   log,
		LogLevel: logger.MapGormLogLevel(cfg.Log.GormMode),
		DBTracing: telemetry.DBTracingConfig{
			Enabled:         cfg.Telemetry.DBTraceEnabled,
			LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
			SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
			DBSystem:        cfg.Database.Driver,
		},
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })

	if cfg.Database.Driver == persistence.DialectSQLite {
		if err := a.db.AutoMigrate(); err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	db := a.db.DB
	lookup := persistence.NewGormEntityLookup(db, a.catalog.Entities)

	a.relations = relationshipapp.NewService(a.catalog.Registry, persistence.NewGormEdgeRepository(db),
		relationshipapp.WithLogger(log),
		relationshipapp.WithAuditLog(persistence.NewGormAuditLog(db)),
		relationshipapp.WithMetrics(metrics),
		relationshipapp.WithMaxRetries(cfg.Relationship.UpsertMaxRetries),
		relationshipapp.WithPageSizes(cfg.Relationship.DefaultPageSize, cfg.Relationship.MaxPageSize),
	)

	a.checkpoint = persistence.NewGormSequenceStore(db)
	store, err := cache.NewSequenceStoreFactory(cfg.Sequence, cfg.Redis,
		cache.WithLogger(log),
		cache.WithDatabaseStore(a.checkpoint),
	).CreateStore(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if mem, ok := store.(*cache.InMemorySequenceStore); ok {
		a.memSeq = mem
		a.closers = append(a.closers, a.flushSequences)
	}
	allocator := skuapp.NewSequenceAllocator(store, skuapp.AllocatorConfig{
		MaxRetries: cfg.Sequence.MaxRetries,
		RetryDelay: cfg.Sequence.RetryDelay,
	}, metrics, log)
	resolver := skuapp.NewTemplateResolver(skuapp.NewComponentResolverSet(a.relations, lookup, allocator), metrics, nil)

	a.skus = skuapp.NewEngine(
		persistence.NewGormTemplateRepository(db),
		persistence.NewGormEntitySKURepository(db),
		lookup,
		resolver,
		skuapp.WithEngineLogger(log),
		skuapp.WithEngineMetrics(metrics),
		skuapp.WithRelationshipTypes(a.catalog.Registry),
	)
	if err := a.skus.ValidateCatalog(a.catalog.Templates); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.backfill = backfillapp.NewProcessor(a.relations, lookup, backfillapp.Config{
		Workers:       cfg.Backfill.Workers,
		RecordTimeout: cfg.Backfill.RecordTimeout,
	}, metrics, log)

	return a, nil
}

// flushSequences persists in-memory counters so a restart resumes numbering
func (a *app) flushSequences(ctx context.Context) error {
	if a.memSeq == nil {
		return nil
	}
	n, err := a.memSeq.Flush(ctx, a.checkpoint)
	if err != nil {
		return err
	}
	a.log.Debug("Sequence counters flushed", zap.Int("counters", n))
	return nil
}

// readers opens legacy tables through the shared connection
func (a *app) readers(q backfillapp.TableQuery) shared.RecordReader {
	return persistence.NewGormRecordReader(a.db.DB, persistence.RecordQuery{
		Table:    q.Table,
		IDColumn: q.IDColumn,
		Columns:  q.Columns,
		Where:    q.Where,
	})
}

// close releases resources in reverse order of acquisition
func (a *app) close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("Shutdown finished with errors", zap.Error(err))
	}
}

func (a *app) seedCatalog(ctx context.Context) error {
	types := persistence.NewGormRelationshipTypeRepository(a.db.DB)
	if err := types.SaveAll(ctx, a.catalog.Types); err != nil {
		return err
	}
	templates := persistence.NewGormTemplateRepository(a.db.DB)
	for i := range a.catalog.Templates {
		if err := templates.Save(ctx, &a.catalog.Templates[i]); err != nil {
			return fmt.Errorf("seed template %s: %w", a.catalog.Templates[i].Name, err)
		}
	}
	a.log.Info("Catalog seeded",
		zap.Int("relationship_types", len(a.catalog.Types)),
		zap.Int("templates", len(a.catalog.Templates)),
	)
	return nil
}

func (a *app) runBackfill(ctx context.Context, name string) ([]backfillapp.Report, error) {
	jobs := a.catalog.Jobs
	if name != "all" {
		job, ok := a.catalog.Job(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown backfill job %q", shared.ErrNotFound, name)
		}
		jobs = []backfillapp.JobSpec{job}
	}

	reports := make([]backfillapp.Report, 0, len(jobs))
	for _, job := range jobs {
		src, err := backfillapp.BuildSource(ctx, job, a.readers)
		if err != nil {
			return reports, err
		}
		report, err := a.backfill.Run(ctx, src)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// watch runs the configured maintenance tasks until ctx is cancelled
func (a *app) watch(ctx context.Context) error {
	m := a.cfg.Maintenance
	s := scheduler.New(scheduler.Config{
		RunTimeout:    m.RunTimeout,
		RetryAttempts: m.RetryAttempts,
		RetryDelay:    m.RetryDelay,
	}, a.log)

	if m.ReconcileInterval > 0 {
		err := s.Register(scheduler.Task{
			Name:       "reconcile_mirrors",
			Interval:   m.ReconcileInterval,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				report, err := a.relations.ReconcileMirrors(ctx, relationshipapp.ReconcileOptions{
					Repair:   m.ReconcileRepair,
					PageSize: a.cfg.Relationship.ReconcilePage,
				})
				if err != nil {
					return err
				}
				if len(report.Missing) > 0 && !m.ReconcileRepair {
					a.log.Warn("Mirror edges missing", zap.Int("missing", len(report.Missing)))
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
	}

	if a.memSeq != nil && a.cfg.Sequence.FlushInterval > 0 {
		err := s.Register(scheduler.Task{
			Name:     "flush_sequences",
			Interval: a.cfg.Sequence.FlushInterval,
			Run:      a.flushSequences,
		})
		if err != nil {
			return err
		}
	}

	if m.BackfillInterval > 0 {
		for _, name := range m.BackfillJobs {
			if _, ok := a.catalog.Job(name); !ok {
				return fmt.Errorf("%w: maintenance names unknown backfill job %q", shared.ErrConfig, name)
			}
			err := s.Register(scheduler.Task{
				Name:     "backfill:" + name,
				Interval: m.BackfillInterval,
				Run: func(ctx context.Context) error {
					reports, err := a.runBackfill(ctx, name)
					for _, r := range reports {
						if r.Failed > 0 {
							a.log.Warn("Backfill finished with failed records",
								zap.String("job", r.Source),
								zap.Int("failed", r.Failed),
							)
						}
					}
					return err
				},
			})
			if err != nil {
				return err
			}
		}
	}

	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait(ctx, time.Minute)
}
