// Package pooltopup implements the pool top-up loop (P): given a target
// pool size and an owning scope, it classifies existing instances as
// in-pool or not, then invokes the scale-up dispatcher's provisioning
// primitives to make up any shortfall.
//
// Grounded on the same reconcile shape as internal/scaledown; reuses
// scaleup.Dispatcher.Provision directly, per spec §4.4.
package pooltopup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coho-labs/runnerfleet/internal/cloudfabric"
	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/githubapi"
	"github.com/coho-labs/runnerfleet/internal/models"
	"github.com/coho-labs/runnerfleet/internal/scaleup"
)

// Provisioner is the subset of scaleup.Dispatcher that P calls into.
type Provisioner interface {
	Provision(ctx context.Context, scope models.Scope, count int, creator models.Creator, installationID int64) ([]string, error)
}

// UpstreamClient is the subset of the upstream service P consumes.
type UpstreamClient interface {
	ListRunners(ctx context.Context, scope models.Scope) ([]githubapi.Runner, error)
	GetInstallation(ctx context.Context, scope models.Scope) (int64, error)
}

// Loop is the pool top-up control loop.
type Loop struct {
	fabric      cloudfabric.Fabric
	upstream    UpstreamClient
	provisioner Provisioner
	scaleDown   config.ScaleDownConfig
	environment string
	logger      *slog.Logger
	now         func() time.Time
}

// NewLoop constructs a pool top-up Loop.
func NewLoop(fabric cloudfabric.Fabric, upstream UpstreamClient, provisioner Provisioner, scaleDown config.ScaleDownConfig, environment string, logger *slog.Logger) *Loop {
	return &Loop{
		fabric:      fabric,
		upstream:    upstream,
		provisioner: provisioner,
		scaleDown:   scaleDown,
		environment: environment,
		logger:      logger.With("component", "pool-top-up"),
		now:         time.Now,
	}
}

// Result reports what one TopUp call did.
type Result struct {
	InPool        int
	ToppedUp      int
	CreatedIDs    []string
}

// TopUp ensures at least target idle instances exist for scope, per spec
// §4.4's four-step algorithm.
func (l *Loop) TopUp(ctx context.Context, scope models.Scope, target int, installationID int64) (Result, error) {
	runners, err := l.upstream.ListRunners(ctx, scope)
	if err != nil {
		return Result{}, fmt.Errorf("list runners failed for scope %s: %w", scope.Key(), err)
	}

	instances, err := l.fabric.ListInstances(ctx, cloudfabric.ListFilter{
		Environment: l.environment,
		ExtraTags:   map[string]string{models.TagOwner: ownerTagValue(scope)},
		States:      []string{"running"},
	})
	if err != nil {
		return Result{}, fmt.Errorf("list_instances failed for scope %s: %w", scope.Key(), err)
	}

	pool := 0
	for _, inst := range instances {
		if l.isInPool(inst, runners) {
			pool++
		}
	}

	topUp := max(0, target-pool)
	result := Result{InPool: pool}
	if topUp == 0 {
		return result, nil
	}

	createdIDs, err := l.provisioner.Provision(ctx, scope, topUp, models.CreatedByPool, installationID)
	result.CreatedIDs = createdIDs
	result.ToppedUp = len(createdIDs)
	if err != nil {
		return result, fmt.Errorf("provisioning pool shortfall failed for scope %s: %w", scope.Key(), err)
	}
	return result, nil
}

// isInPool classifies an instance per spec §4.4 step 3: present upstream,
// online and not busy; or absent upstream but still within the boot grace
// period (about to register).
func (l *Loop) isInPool(inst models.InstanceRecord, runners []githubapi.Runner) bool {
	var matched *githubapi.Runner
	for i := range runners {
		if suffixMatch(runners[i].Name, inst.InstanceID) {
			matched = &runners[i]
			break
		}
	}
	if matched != nil {
		return matched.Status == "online" && !matched.Busy
	}
	return l.now().Sub(inst.LaunchTime) < l.scaleDown.BootTimeThreshold
}

func suffixMatch(name, instanceID string) bool {
	if len(name) < len(instanceID) {
		return false
	}
	return name[len(name)-len(instanceID):] == instanceID
}

func ownerTagValue(scope models.Scope) string {
	if scope.OrgMode() {
		return scope.Owner
	}
	return scope.Owner + "/" + scope.Repo
}

var _ Provisioner = (*scaleup.Dispatcher)(nil)
