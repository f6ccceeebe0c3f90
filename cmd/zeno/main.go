package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coho-labs/runnerfleet/internal/analytics"
	"github.com/coho-labs/runnerfleet/internal/api"
	"github.com/coho-labs/runnerfleet/internal/cloudfabric"
	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/githubapi"
	"github.com/coho-labs/runnerfleet/internal/leaderelection"
	"github.com/coho-labs/runnerfleet/internal/metrics"
	"github.com/coho-labs/runnerfleet/internal/models"
	"github.com/coho-labs/runnerfleet/internal/pooltopup"
	"github.com/coho-labs/runnerfleet/internal/queue"
	"github.com/coho-labs/runnerfleet/internal/retry"
	"github.com/coho-labs/runnerfleet/internal/scaledown"
	"github.com/coho-labs/runnerfleet/internal/scaleup"
	"github.com/coho-labs/runnerfleet/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel)
	backend := backendString(cfg.AWS.UseDryRunBackend)
	logger.Info("starting runnerfleet", "version", version, "backend", backend, "dry_run", cfg.DryRun)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	registry := prometheus.NewRegistry()
	met := metrics.NewMetrics(registry)
	met.ControllerInfo.WithLabelValues(version, backend, "daemon").Set(1)

	fabric, err := newFabric(ctx, cfg, met, logger)
	if err != nil {
		return fmt.Errorf("failed to create state fabric: %w", err)
	}

	discovery := githubapi.NewDiscoveryClient(cfg.GitHub, met)

	scaleUpFactory := func(ctx context.Context, installationID int64) (scaleup.UpstreamClient, error) {
		return githubapi.NewClient(ctx, cfg.GitHub, met, installationID)
	}
	scaleDownFactory := func(ctx context.Context, installationID int64) (scaledown.UpstreamClient, error) {
		return githubapi.NewClient(ctx, cfg.GitHub, met, installationID)
	}

	st, err := store.New(store.StoreConfig(cfg.Store))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	tracker := analytics.NewTracker()

	dispatcher := scaleup.NewDispatcher(fabric, scaleUpFactory, discovery, cfg.Scaling, cfg.GitHub, cfg.AWS, cfg.Environment, logger)
	reaper := scaledown.NewReaper(fabric, scaleDownFactory, discovery, cfg.ScaleDown, cfg.Environment, logger)
	poolLoop := pooltopup.NewLoop(fabric, discovery, dispatcher, cfg.ScaleDown, cfg.Environment, logger)
	retryLayer := retry.NewLayer(cfg.JobRetry, met, logger)

	q, err := queue.New(ctx, cfg.AWS.Region, cfg.Queue, cfg.JobRetry.QueueURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create queue client: %w", err)
	}

	apiServer := api.New(cfg, fabric, st, tracker, met, logger)

	le := leaderelection.New(leaderelection.LeaderElectionConfig{
		Enabled:       cfg.LeaderElection.Enabled,
		LockFilePath:  cfg.LeaderElection.LockFilePath,
		LeaseDuration: cfg.LeaderElection.LeaseDuration,
		RenewDeadline: cfg.LeaderElection.RenewDeadline,
		RetryPeriod:   cfg.LeaderElection.RetryPeriod,
	}, logger)

	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("API server error", "error", err)
		}
	}()

	go runIntakeLoop(ctx, q, dispatcher, retryLayer, tracker, st, cfg, met, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- le.Run(ctx,
			func(ctx context.Context) {
				logger.Info("became leader, starting scale-down and pool top-up tickers")
				met.LeaderElection.Set(1)
				go runScaleDownTicker(ctx, reaper, cfg.ScaleDown.CheckInterval, tracker, st, met, logger)
				go runPoolTicker(ctx, poolLoop, cfg.Pool, tracker, st, met, logger)
			},
			func(ctx context.Context) {
				logger.Info("stopped being leader")
				met.LeaderElection.Set(0)
			},
		)
	}()

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// newFabric selects the EC2+SSM fabric or the Docker-backed dry-run
// fabric. Both satisfy cloudfabric.Fabric identically.
func newFabric(ctx context.Context, cfg *config.Config, met *metrics.Metrics, logger *slog.Logger) (cloudfabric.Fabric, error) {
	backend := backendString(cfg.AWS.UseDryRunBackend)
	var fabric cloudfabric.Fabric
	var err error
	if cfg.AWS.UseDryRunBackend {
		fabric, err = cloudfabric.NewDockerFabric(cfg.AWS, logger)
	} else {
		fabric, err = cloudfabric.NewEC2SSMFabric(ctx, cfg.AWS, cfg.DryRun, logger)
	}
	if err != nil {
		return nil, err
	}
	return cloudfabric.Instrument(fabric, backend, met), nil
}

// runIntakeLoop is the intake control loop (I): receive a batch, dispatch
// it to U, route every rejected message through R, then ack the entire
// batch. R's republish-with-backoff is the sole redelivery mechanism for
// rejects — the batch is never partially acked, since §4.2's reject-list
// does not distinguish a capacity-cap reject (expected to recur every
// invocation until capacity frees up) from a transient-failure reject.
func runIntakeLoop(ctx context.Context, q *queue.Queue, dispatcher *scaleup.Dispatcher, retryLayer *retry.Layer, tracker *analytics.Tracker, st *store.Store, cfg *config.Config, met *metrics.Metrics, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		received, err := q.ReceiveBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("receive batch failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(received) == 0 {
			continue
		}

		batch := make([]models.Message, len(received))
		for i, r := range received {
			batch[i] = r.Message
			met.IntakeMessagesReceived.WithLabelValues(string(r.Message.EventType)).Inc()
		}

		start := time.Now()
		result := dispatcher.Process(ctx, batch)
		met.ScaleUpBatchDuration.Observe(time.Since(start).Seconds())
		met.ScaleUpInstancesCreated.WithLabelValues("batch").Add(float64(result.CreatedInstances))
		for range result.Errors {
			met.ScaleUpErrors.WithLabelValues("non-fatal").Inc()
		}
		decision := models.ScalingDecision{
			Component: "scale-up",
			Action:    "create",
			Count:     result.CreatedInstances,
			Reason:    fmt.Sprintf("batch of %d, %d rejected", len(batch), len(result.RejectedMessageIDs)),
		}
		tracker.RecordDecision(decision)
		if err := st.RecordDecision(decision); err != nil {
			logger.Warn("failed to persist scale-up decision", "error", err)
		}

		routeRejectsThroughRetry(ctx, batch, result.RejectedMessageIDs, retryLayer, cfg, q, met, logger)

		if err := q.CompleteBatch(ctx, received); err != nil {
			logger.Error("failed to ack batch", "error", err)
		}
	}
}

// routeRejectsThroughRetry resolves each rejected message's owning scope
// and runs it through R. Scope-bound clients are built once per scope and
// reused for the duration of this call.
func routeRejectsThroughRetry(ctx context.Context, batch []models.Message, rejectedIDs []int64, retryLayer *retry.Layer, cfg *config.Config, q *queue.Queue, met *metrics.Metrics, logger *slog.Logger) {
	if len(rejectedIDs) == 0 {
		return
	}
	rejected := make(map[int64]bool, len(rejectedIDs))
	for _, id := range rejectedIDs {
		rejected[id] = true
	}

	clients := map[string]*githubapi.Client{}
	for _, m := range batch {
		if !rejected[m.ID] {
			continue
		}
		met.IntakeMessagesRejected.WithLabelValues("rejected").Inc()

		scope := m.Scope(cfg.Scaling.OrgMode)
		client, ok := clients[scope.Key()]
		if !ok {
			c, err := githubapi.NewClient(ctx, cfg.GitHub, met, m.InstallationID)
			if err != nil {
				logger.Warn("retry layer: client construction failed, dropping", "message_id", m.ID, "error", err)
				continue
			}
			client = c
			clients[scope.Key()] = c
		}

		retryLayer.Process(ctx, client, q, m)
	}
}

func runScaleDownTicker(ctx context.Context, reaper *scaledown.Reaper, interval time.Duration, tracker *analytics.Tracker, st *store.Store, met *metrics.Metrics, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			summary, err := reaper.Run(ctx)
			met.ScaleDownDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				logger.Error("scale-down reaper run failed", "error", err)
				continue
			}
			met.ScaleDownOrphansTerminated.Add(float64(summary.OrphansTerminated))
			met.ScaleDownOrphansCleared.Add(float64(summary.OrphansCleared))
			met.ScaleDownActiveTerminated.Add(float64(summary.ActiveTerminated))
			met.ScaleDownActiveOrphaned.Add(float64(summary.ActiveOrphanTagged))
			decision := models.ScalingDecision{
				Component: "scale-down",
				Action:    "terminate",
				Count:     summary.OrphansTerminated + summary.ActiveTerminated,
				Reason:    fmt.Sprintf("orphans_cleared=%d active_orphaned=%d", summary.OrphansCleared, summary.ActiveOrphanTagged),
			}
			tracker.RecordDecision(decision)
			if err := st.RecordDecision(decision); err != nil {
				logger.Warn("failed to persist scale-down decision", "error", err)
			}
		}
	}
}

func runPoolTicker(ctx context.Context, loop *pooltopup.Loop, cfg config.PoolConfig, tracker *analytics.Tracker, st *store.Store, met *metrics.Metrics, logger *slog.Logger) {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			for _, t := range cfg.Targets {
				scope := models.Scope{Owner: t.Owner, Repo: t.Repo}
				result, err := loop.TopUp(ctx, scope, t.Target, t.InstallationID)
				if err != nil {
					logger.Error("pool top-up failed", "scope", scope.Key(), "error", err)
					continue
				}
				met.PoolInPool.WithLabelValues(scope.Key()).Set(float64(result.InPool))
				met.PoolCreated.WithLabelValues(scope.Key()).Add(float64(result.ToppedUp))
				if result.ToppedUp > 0 {
					decision := models.ScalingDecision{
						Component: "pool",
						Action:    "create",
						Scope:     scope.Key(),
						Count:     result.ToppedUp,
						Reason:    fmt.Sprintf("in_pool=%d target=%d", result.InPool, t.Target),
					}
					tracker.RecordDecision(decision)
					if err := st.RecordDecision(decision); err != nil {
						logger.Warn("failed to persist pool top-up decision", "error", err)
					}
				}
			}
			met.PoolTopUpDuration.Observe(time.Since(start).Seconds())
		}
	}
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

func backendString(dryRun bool) string {
	if dryRun {
		return "docker"
	}
	return "ec2-ssm"
}
