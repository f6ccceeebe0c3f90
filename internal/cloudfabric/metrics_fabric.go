package cloudfabric

import (
	"context"

	"github.com/coho-labs/runnerfleet/internal/metrics"
	"github.com/coho-labs/runnerfleet/internal/models"
)

// instrumentedFabric wraps a Fabric backend and records the
// fabric_operations_total/fabric_errors_total series around every call,
// regardless of which backend (EC2SSMFabric, DockerFabric) is underneath.
type instrumentedFabric struct {
	inner   Fabric
	backend string
	met     *metrics.Metrics
}

// Instrument wraps fabric so every call is reflected in met's
// FabricOperations/FabricErrors series, labeled by backend.
func Instrument(fabric Fabric, backend string, met *metrics.Metrics) Fabric {
	return &instrumentedFabric{inner: fabric, backend: backend, met: met}
}

func (f *instrumentedFabric) observe(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		f.met.FabricErrors.WithLabelValues(f.backend, operation).Inc()
	}
	f.met.FabricOperations.WithLabelValues(f.backend, operation, status).Inc()
}

func (f *instrumentedFabric) ListInstances(ctx context.Context, filter ListFilter) ([]models.InstanceRecord, error) {
	records, err := f.inner.ListInstances(ctx, filter)
	f.observe("list_instances", err)
	return records, err
}

func (f *instrumentedFabric) CreateFleet(ctx context.Context, spec FleetSpec) (FleetResult, error) {
	result, err := f.inner.CreateFleet(ctx, spec)
	f.observe("create_fleet", err)
	return result, err
}

func (f *instrumentedFabric) Terminate(ctx context.Context, instanceID string) error {
	err := f.inner.Terminate(ctx, instanceID)
	f.observe("terminate", err)
	return err
}

func (f *instrumentedFabric) Tag(ctx context.Context, instanceID string, kv map[string]string) error {
	err := f.inner.Tag(ctx, instanceID, kv)
	f.observe("tag", err)
	return err
}

func (f *instrumentedFabric) Untag(ctx context.Context, instanceID string, keys []string) error {
	err := f.inner.Untag(ctx, instanceID, keys)
	f.observe("untag", err)
	return err
}

func (f *instrumentedFabric) PutSecret(ctx context.Context, path, value string, tags map[string]string) error {
	err := f.inner.PutSecret(ctx, path, value, tags)
	f.observe("put_secret", err)
	return err
}

func (f *instrumentedFabric) GetParameter(ctx context.Context, name string) (string, error) {
	value, err := f.inner.GetParameter(ctx, name)
	f.observe("get_parameter", err)
	return value, err
}

var _ Fabric = (*instrumentedFabric)(nil)
