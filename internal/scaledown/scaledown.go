// Package scaledown implements the scale-down reaper (D): a periodic
// two-phase state machine. Phase 1 confirms and terminates previously
// marked orphans; Phase 2 evaluates active instances for idleness, minimum
// lifetime, and boot-time expiry.
//
// Grounded on internal/provider/ec2/ec2.go's tag/state mapping, and on
// controller.reconcile's min/max accounting style for the idle-quota walk.
package scaledown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coho-labs/runnerfleet/internal/cloudfabric"
	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/githubapi"
	"github.com/coho-labs/runnerfleet/internal/models"
)

// UpstreamClient is the subset of the upstream service D consumes.
type UpstreamClient interface {
	ListRunners(ctx context.Context, scope models.Scope) ([]githubapi.Runner, error)
	GetRunner(ctx context.Context, scope models.Scope, runnerID int64) (githubapi.Runner, error)
	DeleteRunner(ctx context.Context, scope models.Scope, runnerID int64) (bool, error)
	GetInstallation(ctx context.Context, scope models.Scope) (int64, error)
}

// ClientFactory constructs an UpstreamClient for one installation.
type ClientFactory func(ctx context.Context, installationID int64) (UpstreamClient, error)

// Reaper is the scale-down control loop.
type Reaper struct {
	fabric        cloudfabric.Fabric
	clientFactory ClientFactory
	discovery     UpstreamClient
	scaleDown     config.ScaleDownConfig
	environment   string
	logger        *slog.Logger
	now           func() time.Time

	clients     map[string]UpstreamClient
	runnerLists map[string][]githubapi.Runner
}

// NewReaper constructs a Reaper. D is single-threaded per invocation
// (spec §4.3); the returned Reaper must not be reused concurrently.
// discovery is used only to resolve an installation id per scope; it must
// be authenticated well enough to call GetInstallation (spec §6).
func NewReaper(fabric cloudfabric.Fabric, clientFactory ClientFactory, discovery UpstreamClient, scaleDown config.ScaleDownConfig, environment string, logger *slog.Logger) *Reaper {
	return &Reaper{
		fabric:        fabric,
		clientFactory: clientFactory,
		discovery:     discovery,
		scaleDown:     scaleDown,
		environment:   environment,
		logger:        logger.With("component", "scale-down"),
		now:           time.Now,
	}
}

// Summary reports what one Run call did, for operator visibility.
type Summary struct {
	OrphansTerminated   int
	OrphansCleared      int
	ActiveTerminated    int
	ActiveOrphanTagged  int
}

// Run executes Phase 1 then Phase 2 in order, per invocation.
func (r *Reaper) Run(ctx context.Context) (Summary, error) {
	r.clients = map[string]UpstreamClient{}
	r.runnerLists = map[string][]githubapi.Runner{}
	defer func() {
		r.clients = nil
		r.runnerLists = nil
	}()

	instances, err := r.fabric.ListInstances(ctx, cloudfabric.ListFilter{Environment: r.environment})
	if err != nil {
		return Summary{}, fmt.Errorf("list_instances failed: %w", err)
	}

	var orphaned, active []models.InstanceRecord
	for _, inst := range instances {
		if inst.Orphan {
			orphaned = append(orphaned, inst)
		} else {
			active = append(active, inst)
		}
	}

	var summary Summary
	summary.OrphansTerminated, summary.OrphansCleared = r.runPhase1(ctx, orphaned)
	summary.ActiveTerminated, summary.ActiveOrphanTagged = r.runPhase2(ctx, active)
	return summary, nil
}

// runPhase1 confirms and terminates previously marked orphans.
func (r *Reaper) runPhase1(ctx context.Context, orphaned []models.InstanceRecord) (terminated, cleared int) {
	for _, inst := range orphaned {
		if inst.UpstreamRunnerID == "" {
			// No way to verify against upstream; terminate unconditionally.
			if err := r.fabric.Terminate(ctx, inst.InstanceID); err != nil {
				r.logger.Error("phase 1: terminate failed", "instance_id", inst.InstanceID, "error", err)
				continue
			}
			terminated++
			continue
		}

		confirmed, err := r.lastChanceConfirmOrphan(ctx, inst)
		if err != nil {
			r.logger.Error("phase 1: last-chance check failed", "instance_id", inst.InstanceID, "error", err)
			continue
		}
		if confirmed {
			if err := r.fabric.Terminate(ctx, inst.InstanceID); err != nil {
				r.logger.Error("phase 1: terminate failed", "instance_id", inst.InstanceID, "error", err)
				continue
			}
			terminated++
		} else {
			if err := r.fabric.Untag(ctx, inst.InstanceID, []string{models.TagOrphan}); err != nil {
				r.logger.Error("phase 1: clearing orphan tag failed", "instance_id", inst.InstanceID, "error", err)
				continue
			}
			cleared++
		}
	}
	return terminated, cleared
}

// lastChanceConfirmOrphan performs the single upstream probe spec §4.3
// requires immediately before terminating an orphan-tagged instance.
func (r *Reaper) lastChanceConfirmOrphan(ctx context.Context, inst models.InstanceRecord) (bool, error) {
	runnerID, err := strconv.ParseInt(inst.UpstreamRunnerID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid runner id tag %q: %w", inst.UpstreamRunnerID, err)
	}

	scope := inst.Scope()
	client, err := r.clientForScope(ctx, scope)
	if err != nil {
		return false, err
	}

	runner, err := client.GetRunner(ctx, scope, runnerID)
	if errors.Is(err, githubapi.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if runner.Status == "offline" && runner.Busy {
		return true, nil
	}
	return false, nil
}

// runPhase2 evaluates active instances for idleness, minimum lifetime, and
// boot-time expiry, grouped by owner and walked in eviction-strategy order.
func (r *Reaper) runPhase2(ctx context.Context, active []models.InstanceRecord) (terminated, orphanTagged int) {
	entry, _ := r.scaleDown.ActiveEntry(r.now())
	idleQuota := entry.IdleCount
	strategy := models.EvictionStrategy(entry.EvictionStrategy)
	if strategy == "" {
		strategy = models.EvictOldestFirst
	}

	groups := map[string][]models.InstanceRecord{}
	var order []string
	for _, inst := range active {
		key := inst.Scope().Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], inst)
	}
	sort.Strings(order)

	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			if strategy == models.EvictNewestFirst {
				return group[i].LaunchTime.After(group[j].LaunchTime)
			}
			return group[i].LaunchTime.Before(group[j].LaunchTime)
		})

		for _, inst := range group {
			t, tagged := r.evaluateActiveInstance(ctx, inst, &idleQuota)
			if t {
				terminated++
			}
			if tagged {
				orphanTagged++
			}
		}
	}
	return terminated, orphanTagged
}

func (r *Reaper) evaluateActiveInstance(ctx context.Context, inst models.InstanceRecord, idleQuota *int) (terminated, orphanTagged bool) {
	scope := inst.Scope()
	client, err := r.clientForScope(ctx, scope)
	if err != nil {
		r.logger.Error("phase 2: client construction failed", "instance_id", inst.InstanceID, "error", err)
		return false, false
	}

	runners, err := r.cachedRunnerList(ctx, client, scope)
	if err != nil {
		r.logger.Error("phase 2: list runners failed", "scope", scope.Key(), "error", err)
		return false, false
	}

	var matched []githubapi.Runner
	for _, rn := range runners {
		if strings.HasSuffix(rn.Name, inst.InstanceID) {
			matched = append(matched, rn)
		}
	}

	if len(matched) == 0 {
		if r.now().Sub(inst.LaunchTime) >= r.scaleDown.BootTimeThreshold {
			if err := r.fabric.Tag(ctx, inst.InstanceID, map[string]string{models.TagOrphan: "true"}); err != nil {
				r.logger.Error("phase 2: tagging orphan failed", "instance_id", inst.InstanceID, "error", err)
				return false, false
			}
			return false, true
		}
		return false, false // still booting
	}

	if r.now().Sub(inst.LaunchTime) < r.scaleDown.MinimumRunningTime {
		return false, false // too young
	}

	if *idleQuota > 0 {
		*idleQuota--
		return false, false
	}

	busy := false
	for _, rn := range matched {
		live, err := client.GetRunner(ctx, scope, rn.ID)
		if err != nil {
			r.logger.Error("phase 2: re-checking busy flag failed", "instance_id", inst.InstanceID, "runner_id", rn.ID, "error", err)
			busy = true // fail safe: keep the instance rather than risk tearing down live work
			break
		}
		if live.Busy {
			busy = true
			break
		}
	}
	if busy {
		return false, false
	}

	allDeregistered := true
	for _, rn := range matched {
		ok, err := client.DeleteRunner(ctx, scope, rn.ID)
		if err != nil || !ok {
			r.logger.Error("phase 2: de-registering runner failed, instance kept", "instance_id", inst.InstanceID, "runner_id", rn.ID, "error", err)
			allDeregistered = false
			break
		}
	}
	if !allDeregistered {
		return false, false
	}

	if err := r.fabric.Terminate(ctx, inst.InstanceID); err != nil {
		r.logger.Error("phase 2: terminate failed", "instance_id", inst.InstanceID, "error", err)
		return false, false
	}
	return true, false
}

func (r *Reaper) clientForScope(ctx context.Context, scope models.Scope) (UpstreamClient, error) {
	key := scope.Key()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	// Installation ids aren't carried on InstanceRecord; resolving them on
	// demand per scope and caching for the rest of the invocation collapses
	// N upstream calls into one per scope, per spec §9.
	installationID, err := r.discovery.GetInstallation(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("resolving installation id for %s: %w", scope.Key(), err)
	}
	c, err := r.clientFactory(ctx, installationID)
	if err != nil {
		return nil, err
	}
	r.clients[key] = c
	return c, nil
}

func (r *Reaper) cachedRunnerList(ctx context.Context, client UpstreamClient, scope models.Scope) ([]githubapi.Runner, error) {
	key := scope.Key()
	if list, ok := r.runnerLists[key]; ok {
		return list, nil
	}
	list, err := client.ListRunners(ctx, scope)
	if err != nil {
		return nil, err
	}
	r.runnerLists[key] = list
	return list, nil
}
