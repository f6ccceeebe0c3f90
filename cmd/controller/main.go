package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coho-labs/runnerfleet/internal/cloudfabric"
	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/githubapi"
	"github.com/coho-labs/runnerfleet/internal/metrics"
	"github.com/coho-labs/runnerfleet/internal/models"
	"github.com/coho-labs/runnerfleet/internal/pooltopup"
	"github.com/coho-labs/runnerfleet/internal/scaledown"
	"github.com/coho-labs/runnerfleet/internal/scaleup"
	"github.com/coho-labs/runnerfleet/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

// discoveryClient is the union of what D and P need from the upstream
// service to resolve a scope's installation id and list its runners;
// *githubapi.Client satisfies it, and tests substitute a fake so
// runScaleDown/runPoolTopUp never make a real HTTP call when the fabric
// they're driving reports no work to do.
type discoveryClient interface {
	scaledown.UpstreamClient
	scaleup.UpstreamClient
}

// controller is the externally-scheduled one-shot entrypoint for D and P
// (spec §5: "triggered by an external scheduler — queue delivery or
// cron"). It runs a single pass of the requested mode and exits, for a
// cron job or CronJob rather than the always-on daemon in cmd/zeno.
func main() {
	mode := flag.String("mode", "", "scaledown or pooltopup")
	configPath := flag.String("config", "", "path to configuration file (optional)")
	flag.Parse()

	if err := run(*mode, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(mode, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// Scoped to this one invocation; nothing scrapes it, it just keeps
	// fabric/upstream-client instrumentation identical to the daemon's.
	met := metrics.NewMetrics(prometheus.NewRegistry())

	fabric, err := newFabric(ctx, cfg, met, logger)
	if err != nil {
		return fmt.Errorf("failed to create state fabric: %w", err)
	}
	discovery := githubapi.NewDiscoveryClient(cfg.GitHub, met)

	// The same Path as the daemon's store, when both are pointed at
	// shared disk, so the event log reflects both deployment models:
	// the always-on daemon's leader-elected tickers and this
	// external-scheduler one-shot invocation.
	st, err := store.New(store.StoreConfig(cfg.Store))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	switch mode {
	case "scaledown":
		return runScaleDown(ctx, cfg, fabric, discovery, st, met, logger)
	case "pooltopup":
		return runPoolTopUp(ctx, cfg, fabric, discovery, st, met, logger)
	default:
		return fmt.Errorf("unknown mode %q: must be scaledown or pooltopup", mode)
	}
}

func runScaleDown(ctx context.Context, cfg *config.Config, fabric cloudfabric.Fabric, discovery discoveryClient, st *store.Store, met *metrics.Metrics, logger *slog.Logger) error {
	clientFactory := func(ctx context.Context, installationID int64) (scaledown.UpstreamClient, error) {
		return githubapi.NewClient(ctx, cfg.GitHub, met, installationID)
	}
	reaper := scaledown.NewReaper(fabric, clientFactory, discovery, cfg.ScaleDown, cfg.Environment, logger)

	summary, err := reaper.Run(ctx)
	if err != nil {
		return fmt.Errorf("scale-down run failed: %w", err)
	}
	logger.Info("scale-down run complete",
		"orphans_terminated", summary.OrphansTerminated,
		"orphans_cleared", summary.OrphansCleared,
		"active_terminated", summary.ActiveTerminated,
		"active_orphan_tagged", summary.ActiveOrphanTagged,
	)
	if err := st.RecordDecision(models.ScalingDecision{
		Component: "scale-down",
		Action:    "terminate",
		Count:     summary.OrphansTerminated + summary.ActiveTerminated,
		Reason:    fmt.Sprintf("orphans_cleared=%d active_orphaned=%d", summary.OrphansCleared, summary.ActiveOrphanTagged),
	}); err != nil {
		logger.Warn("failed to persist scale-down decision", "error", err)
	}
	return nil
}

func runPoolTopUp(ctx context.Context, cfg *config.Config, fabric cloudfabric.Fabric, discovery discoveryClient, st *store.Store, met *metrics.Metrics, logger *slog.Logger) error {
	scaleUpFactory := func(ctx context.Context, installationID int64) (scaleup.UpstreamClient, error) {
		return githubapi.NewClient(ctx, cfg.GitHub, met, installationID)
	}
	dispatcher := scaleup.NewDispatcher(fabric, scaleUpFactory, discovery, cfg.Scaling, cfg.GitHub, cfg.AWS, cfg.Environment, logger)
	loop := pooltopup.NewLoop(fabric, discovery, dispatcher, cfg.ScaleDown, cfg.Environment, logger)

	if len(cfg.Pool.Targets) == 0 {
		logger.Warn("pool top-up invoked with no configured targets")
		return nil
	}

	var firstErr error
	for _, t := range cfg.Pool.Targets {
		scope := models.Scope{Owner: t.Owner, Repo: t.Repo}
		result, err := loop.TopUp(ctx, scope, t.Target, t.InstallationID)
		if err != nil {
			logger.Error("pool top-up failed", "scope", scope.Key(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Info("pool top-up complete", "scope", scope.Key(), "in_pool", result.InPool, "topped_up", result.ToppedUp)
		if result.ToppedUp > 0 {
			if err := st.RecordDecision(models.ScalingDecision{
				Component: "pool",
				Action:    "create",
				Scope:     scope.Key(),
				Count:     result.ToppedUp,
				Reason:    fmt.Sprintf("in_pool=%d target=%d", result.InPool, t.Target),
			}); err != nil {
				logger.Warn("failed to persist pool top-up decision", "error", err)
			}
		}
	}
	return firstErr
}

func newFabric(ctx context.Context, cfg *config.Config, met *metrics.Metrics, logger *slog.Logger) (cloudfabric.Fabric, error) {
	backend := "ec2-ssm"
	var fabric cloudfabric.Fabric
	var err error
	if cfg.AWS.UseDryRunBackend {
		backend = "docker"
		fabric, err = cloudfabric.NewDockerFabric(cfg.AWS, logger)
	} else {
		fabric, err = cloudfabric.NewEC2SSMFabric(ctx, cfg.AWS, cfg.DryRun, logger)
	}
	if err != nil {
		return nil, err
	}
	return cloudfabric.Instrument(fabric, backend, met), nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}
