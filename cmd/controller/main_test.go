package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/coho-labs/runnerfleet/internal/cloudfabric"
	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/githubapi"
	"github.com/coho-labs/runnerfleet/internal/metrics"
	"github.com/coho-labs/runnerfleet/internal/models"
	"github.com/coho-labs/runnerfleet/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.StoreConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "events.json"), MaxEvents: 100})
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	return s
}

type fakeFabric struct {
	instances []models.InstanceRecord
	listErr   error
}

func (f *fakeFabric) ListInstances(ctx context.Context, filter cloudfabric.ListFilter) ([]models.InstanceRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.instances, nil
}
func (f *fakeFabric) CreateFleet(ctx context.Context, spec cloudfabric.FleetSpec) (cloudfabric.FleetResult, error) {
	return cloudfabric.FleetResult{}, nil
}
func (f *fakeFabric) Terminate(ctx context.Context, instanceID string) error { return nil }
func (f *fakeFabric) Tag(ctx context.Context, instanceID string, kv map[string]string) error {
	return nil
}
func (f *fakeFabric) Untag(ctx context.Context, instanceID string, keys []string) error { return nil }
func (f *fakeFabric) PutSecret(ctx context.Context, path, value string, tags map[string]string) error {
	return nil
}
func (f *fakeFabric) GetParameter(ctx context.Context, name string) (string, error) {
	return "", cloudfabric.ErrParameterNotFound
}

// fakeDiscovery implements discoveryClient. listRunnersErr is keyed by
// scope so a pool top-up test can fail one target's scope without
// affecting the others.
type fakeDiscovery struct {
	listRunnersErr map[string]error
}

func (f *fakeDiscovery) ListRunners(ctx context.Context, scope models.Scope) ([]githubapi.Runner, error) {
	if err := f.listRunnersErr[scope.Key()]; err != nil {
		return nil, err
	}
	return nil, nil
}
func (f *fakeDiscovery) GetRunner(ctx context.Context, scope models.Scope, runnerID int64) (githubapi.Runner, error) {
	return githubapi.Runner{}, nil
}
func (f *fakeDiscovery) DeleteRunner(ctx context.Context, scope models.Scope, runnerID int64) (bool, error) {
	return true, nil
}
func (f *fakeDiscovery) GetInstallation(ctx context.Context, scope models.Scope) (int64, error) {
	return 1, nil
}
func (f *fakeDiscovery) CreateRegistrationToken(ctx context.Context, scope models.Scope) (string, error) {
	return "token", nil
}
func (f *fakeDiscovery) GenerateJITConfig(ctx context.Context, scope models.Scope, name string, runnerGroupID int64, labels []string) (githubapi.JITConfig, error) {
	return githubapi.JITConfig{}, nil
}
func (f *fakeDiscovery) GetJobStatus(ctx context.Context, owner, repo string, jobID int64) (string, error) {
	return "completed", nil
}
func (f *fakeDiscovery) ListRunnerGroups(ctx context.Context, org string) ([]githubapi.RunnerGroup, error) {
	return nil, nil
}

var _ discoveryClient = (*fakeDiscovery)(nil)

func baseConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		ScaleDown:   config.ScaleDownConfig{},
	}
}

func TestRunScaleDownNoInstancesRecordsZeroCountDecision(t *testing.T) {
	fabric := &fakeFabric{}
	discovery := &fakeDiscovery{}
	st := testStore(t)
	cfg := baseConfig()

	if err := runScaleDown(context.Background(), cfg, fabric, discovery, st, testMetrics(), testLogger()); err != nil {
		t.Fatalf("runScaleDown() error: %v", err)
	}

	events := st.GetAllEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 recorded decision, got %d", len(events))
	}
	if events[0].Component != "scale-down" {
		t.Errorf("expected component=scale-down, got %s", events[0].Component)
	}
	if events[0].Count != 0 {
		t.Errorf("expected Count=0 with no instances, got %d", events[0].Count)
	}
}

func TestRunScaleDownPropagatesReaperError(t *testing.T) {
	fabric := &fakeFabric{listErr: errors.New("list_instances failed upstream")}
	discovery := &fakeDiscovery{}
	st := testStore(t)
	cfg := baseConfig()

	err := runScaleDown(context.Background(), cfg, fabric, discovery, st, testMetrics(), testLogger())
	if err == nil {
		t.Fatal("expected runScaleDown to propagate the reaper's list_instances error")
	}

	if len(st.GetAllEvents()) != 0 {
		t.Error("expected no decision recorded when the reaper run fails")
	}
}

func TestRunPoolTopUpNoTargetsIsNoop(t *testing.T) {
	fabric := &fakeFabric{}
	discovery := &fakeDiscovery{}
	st := testStore(t)
	cfg := baseConfig()
	cfg.Pool = config.PoolConfig{Targets: nil}

	if err := runPoolTopUp(context.Background(), cfg, fabric, discovery, st, testMetrics(), testLogger()); err != nil {
		t.Fatalf("runPoolTopUp() with no targets should be a no-op, got error: %v", err)
	}
}

// TestRunPoolTopUpAccumulatesFirstErrButContinues exercises the
// firstErr-accumulation loop: the first target's list-runners call fails,
// the second target's succeeds with nothing to top up. The loop must
// still process the second target and return the first target's error,
// not the second's nil.
func TestRunPoolTopUpAccumulatesFirstErrButContinues(t *testing.T) {
	fabric := &fakeFabric{}
	failing := errors.New("list runners failed")
	discovery := &fakeDiscovery{listRunnersErr: map[string]error{
		"acme": failing,
	}}
	st := testStore(t)
	cfg := baseConfig()
	cfg.Pool = config.PoolConfig{
		Targets: []config.PoolTarget{
			{Owner: "acme", Target: 2},
			{Owner: "other", Repo: "repo", Target: 0},
		},
	}

	err := runPoolTopUp(context.Background(), cfg, fabric, discovery, st, testMetrics(), testLogger())
	if err == nil {
		t.Fatal("expected the first target's error to be returned")
	}
	if !errors.Is(err, failing) {
		t.Errorf("expected the returned error to wrap the first target's failure, got %v", err)
	}
}

func TestRunUnknownModeReturnsError(t *testing.T) {
	t.Setenv("RUNNERCTL_GITHUB_TOKEN", "fake-token")
	t.Setenv("RUNNERCTL_AWS_USE_DRY_RUN_BACKEND", "true")
	t.Setenv("RUNNERCTL_STORE_ENABLED", "false")

	err := run("not-a-real-mode", "")
	if err == nil {
		t.Fatal("expected an error for an unrecognized mode")
	}
}
