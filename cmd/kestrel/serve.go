package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/aggregator"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/detection"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, rule refresher, alerting and bus workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging, os.Stdout)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"frequency_store", cfg.Frequency.Type,
		"eventbus", cfg.EventBus.Type,
		"rule_source", cfg.Rules.Source,
		"alert_sink", cfg.Alerts.Sink,
		"worker", cfg.Worker.Enabled,
		"tracing", cfg.Tracing.Enabled,
		"service_name", cfg.Tracing.ServiceName,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Frequency store
	store, err := cache.New(cfg.Frequency)
	if err != nil {
		return fmt.Errorf("failed to initialize frequency store: %w", err)
	}
	defer store.Close()
	slog.Info("frequency store initialized", "type", cfg.Frequency.Type)

	// Event bus
	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer eventBus.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Rules
	engine, err := rules.NewEngine(cfg.Engine, velocity.NewTracker(store))
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}

	source, ruleStore, err := ruleSource(ctx, cfg, repo)
	if err != nil {
		return err
	}
	ruleCache := rules.NewRuleCache(source)
	set, err := ruleCache.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	slog.Info("rule engine initialized",
		"rules_count", len(set.Rules),
		"rule_set_version", set.Version,
		"refresh_interval", cfg.Rules.RefreshInterval,
	)

	// Alerts
	var alerts detection.AlertDispatcher
	if cfg.Alerts.Enabled {
		sink, err := alert.NewSink(cfg.Alerts, eventBus)
		if err != nil {
			return fmt.Errorf("failed to initialize alert sink: %w", err)
		}
		dispatcher := alert.NewDispatcher(sink, cfg.Alerts)
		dispatcher.Start()
		defer dispatcher.Stop()
		alerts = dispatcher
		slog.Info("alert dispatcher started", "sink", cfg.Alerts.Sink, "topic", cfg.Alerts.Topic)
	}

	svc := detection.NewService(ruleCache, engine, aggregator.New(cfg.Aggregator), repo, alerts)

	// Async worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(eventBus, svc, cfg.Worker)
		if err := asyncWorker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := api.NewServer(cfg.Server, api.Deps{
		Detector:  svc,
		Repo:      repo,
		RuleStore: ruleStore,
		Bus:       eventBus,
		Checks: map[string]api.Pinger{
			"repository": repo,
			"frequency":  store,
			"eventbus":   eventBus,
		},
		Version: Version,
	}, metricsPath)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ruleCache.Run(gctx, cfg.Rules.RefreshInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		// Stop consuming before the server so in-flight bus messages finish.
		if asyncWorker != nil {
			if err := asyncWorker.Stop(); err != nil {
				slog.Error("failed to stop async worker", "error", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		return nil
	})

	slog.Info("kestrel is ready", "addr", srv.Addr())
	printBanner(cfg, Version)

	err = g.Wait()
	slog.Info("kestrel shutdown complete")
	return err
}

// ruleSource picks the rule source. The repository doubles as the rule
// store for the management API; a rule file is read-only.
func ruleSource(ctx context.Context, cfg *domain.Config, repo *repository.SQLRepository) (domain.RuleSource, domain.RuleRepository, error) {
	if cfg.Rules.Source == "file" {
		slog.Info("serving rules from file", "path", cfg.Rules.File)
		return repository.NewFileSource(cfg.Rules.File), nil, nil
	}

	if cfg.Rules.SeedFile != "" {
		if _, err := repository.SeedRules(ctx, repo, cfg.Rules.SeedFile); err != nil {
			return nil, nil, fmt.Errorf("failed to seed rules: %w", err)
		}
	}
	return repo, repo, nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - fraud rule engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Rules:    %s\n", cfg.Rules.Source)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /evaluate                  - Evaluate a transaction")
	fmt.Println("    POST   /transactions              - Queue a transaction for the workers")
	fmt.Println("    GET    /results/{id}              - Get a detection result")
	fmt.Println("    GET    /transactions/{id}/results - List results for a transaction")
	fmt.Println("    GET    /rules                     - List rules")
	fmt.Println("    POST   /rules                     - Create a rule")
	fmt.Println("    PUT    /rules/{id}                - Update a rule")
	fmt.Println("    DELETE /rules/{id}                - Delete a rule")
	fmt.Println("    POST   /rules/reload              - Refresh the rule snapshot")
	fmt.Println("    GET    /health, /ready            - Liveness and readiness")
	if cfg.Metrics.Enabled {
		fmt.Printf("    GET    %-27s - Prometheus metrics\n", cfg.Metrics.Path)
	}
	fmt.Println()
}
