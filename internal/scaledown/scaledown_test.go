package scaledown

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coho-labs/runnerfleet/internal/cloudfabric"
	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/githubapi"
	"github.com/coho-labs/runnerfleet/internal/models"
)

type fakeFabric struct {
	instances    []models.InstanceRecord
	terminated   []string
	untagged     []string
	taggedOrphan []string
}

func (f *fakeFabric) ListInstances(ctx context.Context, filter cloudfabric.ListFilter) ([]models.InstanceRecord, error) {
	return f.instances, nil
}
func (f *fakeFabric) CreateFleet(ctx context.Context, spec cloudfabric.FleetSpec) (cloudfabric.FleetResult, error) {
	return cloudfabric.FleetResult{}, nil
}
func (f *fakeFabric) Terminate(ctx context.Context, instanceID string) error {
	f.terminated = append(f.terminated, instanceID)
	return nil
}
func (f *fakeFabric) Tag(ctx context.Context, instanceID string, kv map[string]string) error {
	if kv[models.TagOrphan] == "true" {
		f.taggedOrphan = append(f.taggedOrphan, instanceID)
	}
	return nil
}
func (f *fakeFabric) Untag(ctx context.Context, instanceID string, keys []string) error {
	f.untagged = append(f.untagged, instanceID)
	return nil
}
func (f *fakeFabric) PutSecret(ctx context.Context, path, value string, tags map[string]string) error {
	return nil
}
func (f *fakeFabric) GetParameter(ctx context.Context, name string) (string, error) {
	return "", cloudfabric.ErrParameterNotFound
}

type fakeUpstream struct {
	runners      map[int64]githubapi.Runner
	getErr       map[int64]error
	deleteOK     map[int64]bool
	deleteCalled []int64
}

func (u *fakeUpstream) ListRunners(ctx context.Context, scope models.Scope) ([]githubapi.Runner, error) {
	var out []githubapi.Runner
	for _, r := range u.runners {
		out = append(out, r)
	}
	return out, nil
}
func (u *fakeUpstream) GetRunner(ctx context.Context, scope models.Scope, runnerID int64) (githubapi.Runner, error) {
	if err, ok := u.getErr[runnerID]; ok {
		return githubapi.Runner{}, err
	}
	r, ok := u.runners[runnerID]
	if !ok {
		return githubapi.Runner{}, githubapi.ErrNotFound
	}
	return r, nil
}
func (u *fakeUpstream) DeleteRunner(ctx context.Context, scope models.Scope, runnerID int64) (bool, error) {
	u.deleteCalled = append(u.deleteCalled, runnerID)
	ok, exists := u.deleteOK[runnerID]
	if !exists {
		return true, nil
	}
	return ok, nil
}
func (u *fakeUpstream) GetInstallation(ctx context.Context, scope models.Scope) (int64, error) {
	return 1, nil
}

func testReaper(fabric *fakeFabric, upstream *fakeUpstream, cfg config.ScaleDownConfig, fixedNow time.Time) *Reaper {
	factory := func(ctx context.Context, installationID int64) (UpstreamClient, error) { return upstream, nil }
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	r := NewReaper(fabric, factory, upstream, cfg, "test", logger)
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestPhase1FalsePositiveClearsOrphanTag(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	fabric := &fakeFabric{instances: []models.InstanceRecord{
		{InstanceID: "i-1", Owner: "acme", Orphan: true, UpstreamRunnerID: "42", LaunchTime: now.Add(-10 * time.Minute)},
	}}
	upstream := &fakeUpstream{runners: map[int64]githubapi.Runner{42: {ID: 42, Status: "online", Busy: false}}}
	r := testReaper(fabric, upstream, config.ScaleDownConfig{MinimumRunningTime: 5 * time.Minute, BootTimeThreshold: 5 * time.Minute}, now)

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.OrphansCleared != 1 || summary.OrphansTerminated != 0 {
		t.Fatalf("expected 1 cleared and 0 terminated, got %+v", summary)
	}
	if len(fabric.untagged) != 1 || fabric.untagged[0] != "i-1" {
		t.Fatalf("expected orphan tag cleared on i-1, got %v", fabric.untagged)
	}
}

func TestPhase1NoRunnerIDTerminatesUnconditionally(t *testing.T) {
	now := time.Now()
	fabric := &fakeFabric{instances: []models.InstanceRecord{
		{InstanceID: "i-2", Owner: "acme", Orphan: true},
	}}
	upstream := &fakeUpstream{}
	r := testReaper(fabric, upstream, config.ScaleDownConfig{}, now)

	summary, _ := r.Run(context.Background())
	if summary.OrphansTerminated != 1 {
		t.Fatalf("expected 1 terminated, got %+v", summary)
	}
	if len(fabric.terminated) != 1 || fabric.terminated[0] != "i-2" {
		t.Fatalf("expected i-2 terminated, got %v", fabric.terminated)
	}
}

func TestPhase1ConfirmedOrphanViaOfflineBusy(t *testing.T) {
	now := time.Now()
	fabric := &fakeFabric{instances: []models.InstanceRecord{
		{InstanceID: "i-3", Owner: "acme", Orphan: true, UpstreamRunnerID: "7"},
	}}
	upstream := &fakeUpstream{runners: map[int64]githubapi.Runner{7: {ID: 7, Status: "offline", Busy: true}}}
	r := testReaper(fabric, upstream, config.ScaleDownConfig{}, now)

	summary, _ := r.Run(context.Background())
	if summary.OrphansTerminated != 1 {
		t.Fatalf("expected offline+busy runner to confirm orphan and terminate, got %+v", summary)
	}
}

func TestPhase2IdleQuotaKeepsOldestFirst(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	mk := func(id string, age time.Duration) models.InstanceRecord {
		return models.InstanceRecord{InstanceID: id, Owner: "acme", LaunchTime: now.Add(-age)}
	}
	fabric := &fakeFabric{instances: []models.InstanceRecord{
		mk("i-oldest", 40*time.Minute),
		mk("i-2nd", 30*time.Minute),
		mk("i-3rd", 20*time.Minute),
		mk("i-newest", 10*time.Minute),
	}}
	upstream := &fakeUpstream{runners: map[int64]githubapi.Runner{
		1: {ID: 1, Name: "runner-i-oldest", Status: "online", Busy: false},
		2: {ID: 2, Name: "runner-i-2nd", Status: "online", Busy: false},
		3: {ID: 3, Name: "runner-i-3rd", Status: "online", Busy: false},
		4: {ID: 4, Name: "runner-i-newest", Status: "online", Busy: false},
	}}
	cfg := config.ScaleDownConfig{
		MinimumRunningTime: 5 * time.Minute,
		BootTimeThreshold:  5 * time.Minute,
		Schedule: []config.ScaleDownScheduleEntry{
			{Cron: "* * * * *", IdleCount: 2, EvictionStrategy: "oldest-first"},
		},
	}
	r := testReaper(fabric, upstream, cfg, now)

	summary, _ := r.Run(context.Background())
	if summary.ActiveTerminated != 2 {
		t.Fatalf("expected 2 terminated (quota=2 of 4), got %+v, terminated=%v", summary, fabric.terminated)
	}
	for _, kept := range []string{"i-oldest", "i-2nd"} {
		for _, term := range fabric.terminated {
			if term == kept {
				t.Fatalf("expected oldest-first to keep %s, but it was terminated", kept)
			}
		}
	}
}

func TestPhase2UnmatchedPastBootThresholdTaggedOrphan(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	fabric := &fakeFabric{instances: []models.InstanceRecord{
		{InstanceID: "i-booting-too-long", Owner: "acme", LaunchTime: now.Add(-10 * time.Minute)},
	}}
	upstream := &fakeUpstream{}
	cfg := config.ScaleDownConfig{BootTimeThreshold: 5 * time.Minute}
	r := testReaper(fabric, upstream, cfg, now)

	summary, _ := r.Run(context.Background())
	if summary.ActiveOrphanTagged != 1 {
		t.Fatalf("expected instance with no matching upstream runner past boot threshold to be orphan-tagged, got %+v", summary)
	}
}

func TestPhase2BusyRunnerIsKept(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	fabric := &fakeFabric{instances: []models.InstanceRecord{
		{InstanceID: "i-busy", Owner: "acme", LaunchTime: now.Add(-time.Hour)},
	}}
	upstream := &fakeUpstream{runners: map[int64]githubapi.Runner{5: {ID: 5, Name: "runner-i-busy", Status: "online", Busy: true}}}
	cfg := config.ScaleDownConfig{MinimumRunningTime: 5 * time.Minute}
	r := testReaper(fabric, upstream, cfg, now)

	summary, _ := r.Run(context.Background())
	if summary.ActiveTerminated != 0 {
		t.Fatalf("expected busy runner kept, got terminated=%v", fabric.terminated)
	}
}

func TestPhase2DeregisterFailureKeepsInstance(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	fabric := &fakeFabric{instances: []models.InstanceRecord{
		{InstanceID: "i-stuck", Owner: "acme", LaunchTime: now.Add(-time.Hour)},
	}}
	upstream := &fakeUpstream{
		runners:  map[int64]githubapi.Runner{6: {ID: 6, Name: "runner-i-stuck", Status: "online", Busy: false}},
		deleteOK: map[int64]bool{6: false},
	}
	cfg := config.ScaleDownConfig{MinimumRunningTime: 5 * time.Minute}
	r := testReaper(fabric, upstream, cfg, now)

	summary, _ := r.Run(context.Background())
	if summary.ActiveTerminated != 0 {
		t.Fatalf("expected instance kept when de-registration fails, got terminated=%v", fabric.terminated)
	}
	if len(fabric.terminated) != 0 {
		t.Fatalf("expected no terminate call, got %v", fabric.terminated)
	}
}
