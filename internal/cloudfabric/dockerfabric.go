package cloudfabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/models"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerFabric is the local/dry-run state fabric backend: it stands in one
// Docker container per "instance" so U/D/P can be exercised end to end
// without AWS credentials. Grounded on internal/provider/docker/docker.go's
// container lifecycle and label handling (SPEC_FULL §2 "kept dependency").
// Registration secrets have no local equivalent of SSM, so they are held
// in an in-process map — acceptable here because this backend exists
// purely for local development/testing, not for the production invariant
// that durable state lives only in cloud-provider APIs.
type DockerFabric struct {
	client *client.Client
	cfg    config.AWSConfig
	logger *slog.Logger

	mu      sync.RWMutex
	secrets map[string]string
}

const (
	dockerLabelPrefix = "runnerfleet"
)

// NewDockerFabric creates a new Docker-backed dry-run fabric.
func NewDockerFabric(cfg config.AWSConfig, logger *slog.Logger) (*DockerFabric, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.DockerHost),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerFabric{
		client:  cli,
		cfg:     cfg,
		logger:  logger.With("fabric", "docker-dryrun"),
		secrets: make(map[string]string),
	}, nil
}

// ListInstances returns every container carrying the managed label. The
// filter is not applied (Environment, ExtraTags and States are ignored),
// and Orphan and UpstreamRunnerID are never set on the returned records.
func (f *DockerFabric) ListInstances(ctx context.Context, filter ListFilter) ([]models.InstanceRecord, error) {
	containers, err := f.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []models.InstanceRecord
	for _, c := range containers {
		if c.Labels[dockerLabelPrefix+".managed"] != "true" {
			continue
		}
		tags := map[string]string{}
		for k, v := range c.Labels {
			tags[k] = v
		}
		// Docker labels can't carry our ghr:-prefixed keys verbatim in
		// every engine version; the mapping below re-derives them from
		// the sanitized label names CreateFleet below actually sets.
		rec := models.InstanceRecord{
			InstanceID: c.ID,
			LaunchTime: time.Unix(c.Created, 0),
			Owner:      c.Labels[dockerLabelPrefix+".owner"],
			Repo:       c.Labels[dockerLabelPrefix+".repo"],
			Category:   models.RunnerCategory(c.Labels[dockerLabelPrefix+".type"]),
			CreatedBy:  models.Creator(c.Labels[dockerLabelPrefix+".created_by"]),
			State:      c.State,
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *DockerFabric) CreateFleet(ctx context.Context, spec FleetSpec) (FleetResult, error) {
	var result FleetResult
	for i := 0; i < spec.Count; i++ {
		labels := map[string]string{
			dockerLabelPrefix + ".managed":    "true",
			dockerLabelPrefix + ".owner":      spec.Scope.Owner,
			dockerLabelPrefix + ".repo":       spec.Scope.Repo,
			dockerLabelPrefix + ".type":       string(spec.Scope.Category()),
			dockerLabelPrefix + ".created_by": string(spec.CreatedBy),
		}

		resp, err := f.client.ContainerCreate(ctx, &container.Config{
			Image:  f.cfg.DockerImage,
			Labels: labels,
		}, &container.HostConfig{}, nil, nil, "")
		if err != nil {
			result.Errors = append(result.Errors, FleetError{Code: "DockerCreateFailed", Message: err.Error()})
			continue
		}
		if err := f.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			_ = f.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
			result.Errors = append(result.Errors, FleetError{Code: "DockerStartFailed", Message: err.Error()})
			continue
		}
		result.CreatedInstanceIDs = append(result.CreatedInstanceIDs, resp.ID)
	}
	return result, nil
}

func (f *DockerFabric) Terminate(ctx context.Context, instanceID string) error {
	err := f.client.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", instanceID, err)
	}
	return nil
}

func (f *DockerFabric) Tag(ctx context.Context, instanceID string, kv map[string]string) error {
	// Docker has no live-tagging API; labels are immutable post-create.
	// The dry-run backend logs the intent instead, which is sufficient
	// for exercising U/D/P control flow locally.
	f.logger.Info("dry-run: would tag container", "instance_id", instanceID, "tags", kv)
	return nil
}

func (f *DockerFabric) Untag(ctx context.Context, instanceID string, keys []string) error {
	f.logger.Info("dry-run: would untag container", "instance_id", instanceID, "keys", keys)
	return nil
}

func (f *DockerFabric) PutSecret(ctx context.Context, path, value string, tags map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[path] = value
	return nil
}

func (f *DockerFabric) GetParameter(ctx context.Context, name string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.secrets[name]
	if !ok {
		return "", ErrParameterNotFound
	}
	return v, nil
}
