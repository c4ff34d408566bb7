// Command entitygraph operates the relationship graph and SKU engine:
// catalog validation and seeding, SKU generation, mirror reconciliation
// and legacy backfills.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	relationshipapp "github.com/erp/entitygraph/internal/application/relationship"
	skuapp "github.com/erp/entitygraph/internal/application/sku"
	"github.com/erp/entitygraph/internal/infrastructure/config"
	"github.com/erp/entitygraph/internal/infrastructure/logger"
)

func main() {
	var (
		tenant  string
		repair  bool
		refDate string
	)
	flag.StringVar(&tenant, "tenant", "", "Tenant identifier for lookups, counters and edges")
	flag.BoolVar(&repair, "repair", false, "reconcile: write missing mirror edges")
	flag.StringVar(&refDate, "date", "", "generate/preview: reference date (YYYY-MM-DD), defaults to today")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync(log) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, args, runOptions{tenant: tenant, repair: repair, refDate: refDate}); err != nil {
		log.Error("Command failed", zap.String("command", args[0]), zap.Error(err))
		_ = logger.Sync(log)
		os.Exit(1)
	}
}

type runOptions struct {
	tenant  string
	repair  bool
	refDate string
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string, opts runOptions) error {
	command := args[0]

	if command == "validate-catalog" {
		c, err := loadCatalog(ctx, cfg, log)
		if err != nil {
			return err
		}
		engine := skuapp.NewEngine(nil, nil, nil, nil, skuapp.WithRelationshipTypes(c.Registry))
		if err := engine.ValidateCatalog(c.Templates); err != nil {
			return err
		}
		log.Info("Catalog is valid", zap.Int("templates", len(c.Templates)), zap.Int("jobs", len(c.Jobs)))
		return nil
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	switch command {
	case "seed-catalog":
		return a.seedCatalog(ctx)

	case "generate", "preview", "history":
		if len(args) < 3 {
			return fmt.Errorf("usage: entitygraph %s <EntityType> <id>", command)
		}
		genOpts, err := generateOptions(opts)
		if err != nil {
			return err
		}
		entityType, entityID := args[1], args[2]
		switch command {
		case "generate":
			out, err := a.skus.Generate(ctx, entityType, entityID, genOpts...)
			if err != nil {
				return err
			}
			return printJSON(out)
		case "preview":
			out, err := a.skus.Preview(ctx, entityType, entityID, genOpts...)
			if err != nil {
				return err
			}
			return printJSON(out)
		default:
			out, err := a.skus.History(ctx, entityType, entityID, genOpts...)
			if err != nil {
				return err
			}
			return printJSON(out)
		}

	case "reconcile":
		report, err := a.relations.ReconcileMirrors(ctx, relationshipapp.ReconcileOptions{
			Repair:   opts.repair,
			PageSize: cfg.Relationship.ReconcilePage,
		})
		if err != nil {
			return err
		}
		return printJSON(report)

	case "backfill":
		if len(args) < 2 {
			return fmt.Errorf("usage: entitygraph backfill <job>|all")
		}
		reports, err := a.runBackfill(ctx, args[1])
		if perr := printJSON(reports); perr != nil && err == nil {
			err = perr
		}
		return err

	case "watch":
		return a.watch(ctx)

	case "revert-provenance":
		if len(args) < 2 {
			return fmt.Errorf("usage: entitygraph revert-provenance <marker>")
		}
		n, err := a.backfill.RevertProvenance(ctx, args[1], cfg.Backfill.Actor)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"marker": args[1], "deleted": n})

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func generateOptions(opts runOptions) ([]skuapp.GenerateOption, error) {
	var out []skuapp.GenerateOption
	if opts.tenant != "" {
		out = append(out, skuapp.WithTenant(opts.tenant))
	}
	if opts.refDate != "" {
		t, err := time.Parse(time.DateOnly, opts.refDate)
		if err != nil {
			return nil, fmt.Errorf("invalid -date %q: %w", opts.refDate, err)
		}
		out = append(out, skuapp.WithReferenceDate(t))
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: entitygraph [flags] <command> [args]

Commands:
  validate-catalog                 Check the configured catalog without touching the database
  seed-catalog                     Store relationship types and SKU templates
  generate <EntityType> <id>       Render and store a new SKU version
  preview <EntityType> <id>        Render without storing or consuming sequence numbers
  history <EntityType> <id>        List the SKU versions of an entity
  reconcile                        Report missing mirror edges, -repair writes them
  backfill <job>|all               Derive edges from legacy data
  revert-provenance <marker>       Soft-delete every edge written by one backfill
  watch                            Run the maintenance schedule until interrupted

Flags:
`)
	flag.PrintDefaults()
}
