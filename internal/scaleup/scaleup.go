// Package scaleup implements the scale-up dispatcher (U): the largest and
// hardest control loop. It groups a batch of request messages by owning
// scope, consults the upstream job service, caps scaling to a per-scope
// instance budget, fans out a bulk create_fleet call, then provisions
// per-instance registration secrets.
//
// Grounded on internal/controller/controller.go's reconcile-loop shape —
// decide, then act through the provider — generalized from a single
// threshold comparison to per-scope capacity accounting.
package scaleup

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

	"golang.org/x/sync/errgroup"
)

// UpstreamClient is the subset of githubapi.Client's surface the dispatcher
// consumes. Defined here, not in githubapi, so scaleup can be driven by a
// hand-rolled fake in tests without importing net/http at all.
type UpstreamClient interface {
	CreateRegistrationToken(ctx context.Context, scope models.Scope) (string, error)
	GenerateJITConfig(ctx context.Context, scope models.Scope, name string, runnerGroupID int64, labels []string) (githubapi.JITConfig, error)
	// GetJobStatus takes owner/repo directly because a job always belongs
	// to a specific repository, even under an org-mode scope that has
	// collapsed to the bare owner name.
	GetJobStatus(ctx context.Context, owner, repo string, jobID int64) (string, error)
	ListRunnerGroups(ctx context.Context, org string) ([]githubapi.RunnerGroup, error)
	GetInstallation(ctx context.Context, scope models.Scope) (int64, error)
}

// ClientFactory constructs an UpstreamClient scoped to one installation for
// the duration of a single batch invocation. Per spec §9, the result must
// never be cached across invocations.
type ClientFactory func(ctx context.Context, installationID int64) (UpstreamClient, error)

// ScaleError is provisionBatch's typed failure: how many instances of a
// scope's request failed and whether retrying can help. Process turns it
// into rejected message ids (retriable) or a Result error (fatal) and
// never returns it; Provision returns it to its caller, alongside plain
// wrapped errors for client-construction and create_fleet call failures.
type ScaleError struct {
	Scope               string
	FailedInstanceCount int
	Retriable           bool
	Err                 error
}

func (e *ScaleError) Error() string {
	return fmt.Sprintf("scale error for scope %s (failed=%d retriable=%v): %v", e.Scope, e.FailedInstanceCount, e.Retriable, e.Err)
}

func (e *ScaleError) Unwrap() error { return e.Err }

// Result is the outcome of one Process call.
type Result struct {
	// RejectedMessageIDs are message ids that need another attempt; the
	// intake loop hands them to the retry layer. Always a subset of the
	// batch's ids.
	RejectedMessageIDs []int64
	CreatedInstances    int
	// Errors collects per-scope failures: client construction, job-status,
	// list_instances and create_fleet call failures (whose messages are
	// also in RejectedMessageIDs), and fatal ScaleErrors (whose messages
	// are not rejected). A retriable ScaleError, such as a
	// secret-provisioning failure after instances were created, shows up
	// only in RejectedMessageIDs.
	Errors []error
}

// Dispatcher is the scale-up control loop.
type Dispatcher struct {
	fabric        cloudfabric.Fabric
	clientFactory ClientFactory
	discovery     UpstreamClient
	scaling       config.ScalingConfig
	github        config.GitHubConfig
	aws           config.AWSConfig
	environment   string
	logger        *slog.Logger
}

// NewDispatcher constructs a Dispatcher. discovery is used only to resolve
// installation ids for messages that carry installationId = 0.
func NewDispatcher(fabric cloudfabric.Fabric, clientFactory ClientFactory, discovery UpstreamClient, scaling config.ScalingConfig, github config.GitHubConfig, aws config.AWSConfig, environment string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		fabric:        fabric,
		clientFactory: clientFactory,
		discovery:     discovery,
		scaling:       scaling,
		github:        github,
		aws:           aws,
		environment:   environment,
		logger:        logger.With("component", "scale-up"),
	}
}

// Process runs the full U algorithm (spec §4.2) over one batch.
func (d *Dispatcher) Process(ctx context.Context, batch []models.Message) *Result {
	sorted := make([]models.Message, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Retries() < sorted[j].Retries() })

	result := &Result{}

	type scopeGroup struct {
		scope    models.Scope
		messages []models.Message
	}
	groups := map[string]*scopeGroup{}
	var order []string

	for _, m := range sorted {
		if d.scaling.Ephemeral && m.EventType != models.EventWorkflowQueued {
			result.RejectedMessageIDs = append(result.RejectedMessageIDs, m.ID)
			continue
		}
		if !d.scaling.Ephemeral && m.EventType == models.EventCheckRun && d.scaling.QueuedCheck {
			// Open Question decision (DESIGN.md): check-run is accepted in
			// non-ephemeral mode only when queued-check is disabled.
			result.RejectedMessageIDs = append(result.RejectedMessageIDs, m.ID)
			continue
		}
		if d.scaling.OrgMode && m.RepoOwnerType != models.OwnerOrganization {
			d.logger.Warn("skipping message: org-mode requires an Organization owner", "message_id", m.ID, "owner_kind", m.RepoOwnerType)
			continue
		}

		scope := m.Scope(d.scaling.OrgMode)
		key := scope.Key()
		g, ok := groups[key]
		if !ok {
			g = &scopeGroup{scope: scope}
			groups[key] = g
			order = append(order, key)
		}
		g.messages = append(g.messages, m)
	}

	for _, key := range order {
		g := groups[key]
		d.processScope(ctx, g.scope, g.messages, result)
	}

	return result
}

func (d *Dispatcher) processScope(ctx context.Context, scope models.Scope, messages []models.Message, result *Result) {
	client, err := d.clientForScope(ctx, scope, firstInstallationID(messages))
	if err != nil {
		for _, m := range messages {
			result.RejectedMessageIDs = append(result.RejectedMessageIDs, m.ID)
		}
		result.Errors = append(result.Errors, fmt.Errorf("scope %s: client construction failed: %w", scope.Key(), err))
		return
	}

	surviving := messages
	if d.scaling.QueuedCheck {
		var kept []models.Message
		for _, m := range messages {
			status, err := client.GetJobStatus(ctx, m.RepositoryOwner, m.RepositoryName, m.ID)
			if err != nil {
				result.RejectedMessageIDs = append(result.RejectedMessageIDs, m.ID)
				result.Errors = append(result.Errors, fmt.Errorf("scope %s: job status check failed for message %d: %w", scope.Key(), m.ID, err))
				continue
			}
			if status != "queued" {
				continue // silently dropped, per spec §4.2 step 3
			}
			kept = append(kept, m)
		}
		surviving = kept
	}

	want := len(surviving)
	if want == 0 {
		return
	}

	newCount := want
	if d.scaling.MaxRunners != -1 {
		current, err := d.currentInstanceCount(ctx, scope)
		if err != nil {
			for _, m := range surviving {
				result.RejectedMessageIDs = append(result.RejectedMessageIDs, m.ID)
			}
			result.Errors = append(result.Errors, fmt.Errorf("scope %s: list_instances failed: %w", scope.Key(), err))
			return
		}
		newCount = min(want, max(0, d.scaling.MaxRunners-current))
	}

	rejectCount := want - newCount
	rejected, kept := surviving[:rejectCount], surviving[rejectCount:]
	for _, m := range rejected {
		result.RejectedMessageIDs = append(result.RejectedMessageIDs, m.ID)
	}
	if newCount == 0 {
		return
	}

	createdIDs, err := d.provisionBatch(ctx, client, scope, newCount, models.CreatedByScaleUp)
	// Counted unconditionally: instances physically exist the moment
	// create_fleet returns them, whether or not secret provisioning that
	// follows later succeeds.
	result.CreatedInstances += len(createdIDs)

	var scaleErr *ScaleError
	if err != nil && errors.As(err, &scaleErr) {
		if scaleErr.Retriable {
			n := min(scaleErr.FailedInstanceCount, len(kept))
			for _, m := range kept[:n] {
				result.RejectedMessageIDs = append(result.RejectedMessageIDs, m.ID)
			}
		} else {
			// Fatal: per spec §7 taxonomy item 4, the intake layer returns
			// without rejecting, so the queue treats the batch as handled
			// and does not retry a poison message forever.
			result.Errors = append(result.Errors, scaleErr)
		}
		return
	} else if err != nil {
		result.Errors = append(result.Errors, err)
	}

	returned := len(createdIDs)
	if returned < newCount {
		shortfall := newCount - returned
		n := min(shortfall, len(kept))
		for _, m := range kept[:n] {
			result.RejectedMessageIDs = append(result.RejectedMessageIDs, m.ID)
		}
	}
}

func (d *Dispatcher) currentInstanceCount(ctx context.Context, scope models.Scope) (int, error) {
	instances, err := d.fabric.ListInstances(ctx, cloudfabric.ListFilter{
		Environment: d.environment,
		ExtraTags:   map[string]string{models.TagOwner: ownerTagValue(scope)},
		States:      []string{"pending", "running"},
	})
	if err != nil {
		return 0, err
	}
	return len(instances), nil
}

// Provision is U's exported provisioning primitive, called directly by the
// pool top-up loop (spec §4.4) when it has no pre-existing scope client.
func (d *Dispatcher) Provision(ctx context.Context, scope models.Scope, count int, creator models.Creator, installationID int64) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	client, err := d.clientForScope(ctx, scope, installationID)
	if err != nil {
		return nil, fmt.Errorf("scope %s: client construction failed: %w", scope.Key(), err)
	}
	return d.provisionBatch(ctx, client, scope, count, creator)
}

func (d *Dispatcher) provisionBatch(ctx context.Context, client UpstreamClient, scope models.Scope, count int, creator models.Creator) ([]string, error) {
	spec := cloudfabric.FleetSpec{
		Count:            count,
		Scope:            scope,
		CreatedBy:        creator,
		Environment:      d.environment,
		LaunchTemplateID: d.aws.LaunchTemplateID,
		Overrides:        d.buildOverrides(),
		ExtraTags:        d.aws.Tags,
	}

	fleetResult, err := d.fabric.CreateFleet(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create_fleet call failed for scope %s: %w", scope.Key(), err)
	}

	if len(fleetResult.CreatedInstanceIDs) == 0 {
		return nil, &ScaleError{
			Scope:               scope.Key(),
			FailedInstanceCount: count,
			Retriable:           cloudfabric.AnyRetriable(fleetResult.Errors),
			Err:                 fmt.Errorf("create_fleet returned no instances: %+v", fleetResult.Errors),
		}
	}

	if err := d.provisionSecrets(ctx, client, scope, fleetResult.CreatedInstanceIDs); err != nil {
		// spec §4.2 step 8 / §7 taxonomy item 2: a registration-token or
		// JIT-config failure during secret provisioning is fatal to this
		// scope and converts to a retriable scale error, same as a
		// zero-instance create_fleet failure, so the intake layer rejects
		// the scope's messages for queue retry.
		return fleetResult.CreatedInstanceIDs, &ScaleError{
			Scope:               scope.Key(),
			FailedInstanceCount: count,
			Retriable:           true,
			Err:                 fmt.Errorf("provisioning registration secrets failed: %w", err),
		}
	}
	return fleetResult.CreatedInstanceIDs, nil
}

func (d *Dispatcher) buildOverrides() []cloudfabric.SubnetOverride {
	if len(d.scaling.Subnets) == 0 {
		return nil
	}
	types := d.scaling.InstanceTypes
	if len(types) == 0 {
		types = []string{""}
	}
	overrides := make([]cloudfabric.SubnetOverride, 0, len(d.scaling.Subnets))
	for i, subnet := range d.scaling.Subnets {
		overrides = append(overrides, cloudfabric.SubnetOverride{
			SubnetID:     subnet,
			InstanceType: types[i%len(types)],
		})
	}
	return overrides
}

// provisionSecrets fans out per-instance secret provisioning over a
// bounded-concurrency worker pool (spec §9), pacing dispatch at
// SecretPacingDelay once the batch reaches SecretPacingThreshold so
// parameter-store writes stay under its sustained write-rate limit.
func (d *Dispatcher) provisionSecrets(ctx context.Context, client UpstreamClient, scope models.Scope, instanceIDs []string) error {
	concurrency := d.scaling.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var ticker *time.Ticker
	if d.scaling.SecretPacingThreshold > 0 && len(instanceIDs) >= d.scaling.SecretPacingThreshold {
		ticker = time.NewTicker(d.scaling.SecretPacingDelay)
		defer ticker.Stop()
	}

	for _, id := range instanceIDs {
		instanceID := id
		if ticker != nil {
			<-ticker.C
		}
		g.Go(func() error {
			return d.provisionInstanceSecret(gctx, client, scope, instanceID)
		})
	}

	return g.Wait()
}

func (d *Dispatcher) provisionInstanceSecret(ctx context.Context, client UpstreamClient, scope models.Scope, instanceID string) error {
	path := d.secretPath(instanceID)

	if d.scaling.Ephemeral && d.scaling.JITConfig {
		groupID, err := d.resolveRunnerGroupID(ctx, client, scope)
		if err != nil {
			return fmt.Errorf("instance %s: resolving runner group failed: %w", instanceID, err)
		}
		name := d.scaling.NamePrefix + instanceID
		jit, err := client.GenerateJITConfig(ctx, scope, name, groupID, d.scaling.RunnerLabels)
		if err != nil {
			return fmt.Errorf("instance %s: generating jit config failed: %w", instanceID, err)
		}
		if err := d.fabric.Tag(ctx, instanceID, map[string]string{models.TagRunnerID: strconv.FormatInt(jit.RunnerID, 10)}); err != nil {
			return fmt.Errorf("instance %s: tagging runner id failed: %w", instanceID, err)
		}
		if err := d.fabric.PutSecret(ctx, path, jit.EncodedJITConfig, map[string]string{"InstanceId": instanceID}); err != nil {
			return fmt.Errorf("instance %s: storing jit secret failed: %w", instanceID, err)
		}
		return nil
	}

	token, err := client.CreateRegistrationToken(ctx, scope)
	if err != nil {
		return fmt.Errorf("instance %s: registration token failed: %w", instanceID, err)
	}
	configLine := d.buildRunnerConfigLine(scope, token)
	if err := d.fabric.PutSecret(ctx, path, configLine, map[string]string{"InstanceId": instanceID}); err != nil {
		return fmt.Errorf("instance %s: storing registration secret failed: %w", instanceID, err)
	}
	return nil
}

func (d *Dispatcher) buildRunnerConfigLine(scope models.Scope, token string) string {
	parts := []string{
		"--url " + d.github.WebBase() + "/" + scopeURLPath(scope),
		"--token " + token,
	}
	if len(d.scaling.RunnerLabels) > 0 {
		parts = append(parts, "--labels "+strings.Join(d.scaling.RunnerLabels, ","))
	}
	if d.scaling.DisableRunnerAutoupdate {
		parts = append(parts, "--disableupdate")
	}
	if d.scaling.OrgMode && d.scaling.RunnerGroupName != "" {
		parts = append(parts, "--runnergroup "+d.scaling.RunnerGroupName)
	}
	if d.scaling.Ephemeral {
		parts = append(parts, "--ephemeral")
	}
	return strings.Join(parts, " ")
}

// resolveRunnerGroupID implements the runner-group cache (spec §3): a
// parameter-store miss falls through to an upstream lookup, but absence of
// the group upstream is an error.
func (d *Dispatcher) resolveRunnerGroupID(ctx context.Context, client UpstreamClient, scope models.Scope) (int64, error) {
	name := d.scaling.RunnerGroupName
	if name == "" {
		name = "Default"
	}
	cacheKey := d.aws.SSMTokenPath + "/runner-groups/" + name

	cached, err := d.fabric.GetParameter(ctx, cacheKey)
	if err == nil {
		if id, convErr := strconv.ParseInt(cached, 10, 64); convErr == nil {
			return id, nil
		}
	} else if !errors.Is(err, cloudfabric.ErrParameterNotFound) {
		return 0, err
	}

	groups, err := client.ListRunnerGroups(ctx, scope.Owner)
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		if g.Name == name {
			if putErr := d.fabric.PutSecret(ctx, cacheKey, strconv.FormatInt(g.ID, 10), nil); putErr != nil {
				d.logger.Warn("failed to cache runner group id", "group", name, "error", putErr)
			}
			return g.ID, nil
		}
	}
	return 0, fmt.Errorf("runner group %q not found for scope %s", name, scope.Key())
}

func (d *Dispatcher) secretPath(instanceID string) string {
	return d.aws.SSMTokenPath + "/" + instanceID
}

func (d *Dispatcher) clientForScope(ctx context.Context, scope models.Scope, installationIDHint int64) (UpstreamClient, error) {
	instID := installationIDHint
	if instID == 0 {
		id, err := d.discovery.GetInstallation(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("resolving installation id: %w", err)
		}
		instID = id
	}
	return d.clientFactory(ctx, instID)
}

func firstInstallationID(messages []models.Message) int64 {
	for _, m := range messages {
		if m.InstallationID != 0 {
			return m.InstallationID
		}
	}
	return 0
}

func ownerTagValue(scope models.Scope) string {
	if scope.OrgMode() {
		return scope.Owner
	}
	return scope.Owner + "/" + scope.Repo
}

func scopeURLPath(scope models.Scope) string {
	if scope.OrgMode() {
		return scope.Owner
	}
	return scope.Owner + "/" + scope.Repo
}
