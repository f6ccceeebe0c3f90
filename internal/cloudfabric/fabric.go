// Package cloudfabric implements the state fabric (S) from spec §4.1: cloud
// instance inventory tagged with structured key/value pairs, plus a secret
// parameter store holding per-instance registration tokens. There is no
// database and no in-process persistence — every Fabric implementation
// must treat the cloud provider's own APIs as the sole source of truth.
package cloudfabric

import (
	"context"
	"errors"
	"time"

	"github.com/coho-labs/runnerfleet/internal/models"
)

// ErrParameterNotFound is returned by GetParameter when no parameter
// exists at the requested name, distinctly from other failure modes, per
// spec §4.1's get_parameter contract.
var ErrParameterNotFound = errors.New("cloudfabric: parameter not found")

// ListFilter selects which instances ListInstances returns.
type ListFilter struct {
	Environment string
	ExtraTags   map[string]string
	States      []string // empty means "any managed state"
}

// SubnetOverride is one (subnet, instance-type, optional AMI override)
// entry in a CreateFleet call, per spec §4.1.
type SubnetOverride struct {
	SubnetID     string
	InstanceType string
	AMIOverride  string // empty means "use the launch template's AMI"
}

// FleetSpec is the input to a single bulk create_fleet call.
type FleetSpec struct {
	Count            int
	Scope            models.Scope
	CreatedBy        models.Creator
	Environment      string
	LaunchTemplateID string
	Overrides        []SubnetOverride
	ExtraTags        map[string]string
}

// FleetError is one per-failure error code returned alongside a partial
// CreateFleet result (spec §4.1's error-code classification table).
type FleetError struct {
	Code    string
	Message string
}

// FleetResult is the outcome of a single CreateFleet call: the instances
// actually created, plus any per-failure error codes. A partial result
// (≥1 instance with errors present) never itself represents a failure —
// spec §4.1: "If the call returns ≥ 1 instance, all errors are ignored."
type FleetResult struct {
	CreatedInstanceIDs []string
	Errors             []FleetError
}

// retriableErrorCodes is the exact set from spec §4.1.
var retriableErrorCodes = map[string]bool{
	"UnfulfillableCapacity":      true,
	"MaxSpotInstanceCountExceeded": true,
	"TargetCapacityLimitExceeded": true,
	"RequestLimitExceeded":       true,
	"ResourceLimitExceeded":      true,
	"MaxSpotFleetRequestCountExceeded": true,
	"InsufficientInstanceCapacity": true,
}

// IsRetriable classifies a CreateFleet error code per spec §4.1.
func IsRetriable(code string) bool {
	return retriableErrorCodes[code]
}

// AnyRetriable reports whether any error in the set is retriable.
func AnyRetriable(errs []FleetError) bool {
	for _, e := range errs {
		if IsRetriable(e.Code) {
			return true
		}
	}
	return false
}

// Fabric is the state fabric's interface (spec §4.1): list_instances,
// create_fleet, terminate, tag, untag, put_secret, get_parameter.
type Fabric interface {
	// ListInstances transparently paginates and merges results.
	ListInstances(ctx context.Context, filter ListFilter) ([]models.InstanceRecord, error)

	// CreateFleet is a single bulk call; it never returns an error for a
	// partial success (≥1 created instance). It returns an error only
	// when the underlying API call itself could not be made.
	CreateFleet(ctx context.Context, spec FleetSpec) (FleetResult, error)

	// Terminate is idempotent: terminating an already-terminated or
	// unknown instance id is not an error.
	Terminate(ctx context.Context, instanceID string) error

	// Tag and Untag are idempotent.
	Tag(ctx context.Context, instanceID string, kv map[string]string) error
	Untag(ctx context.Context, instanceID string, keys []string) error

	// PutSecret is a blind overwrite.
	PutSecret(ctx context.Context, path, value string, tags map[string]string) error

	// GetParameter fails with ErrParameterNotFound distinctly from other
	// errors when no parameter exists at name.
	GetParameter(ctx context.Context, name string) (string, error)
}

// instanceRecordFromTags builds an InstanceRecord from a raw tag map, the
// instance id, launch time and cloud-reported state. Shared by every
// Fabric backend so the tag-schema invariants (spec §3) are interpreted
// identically everywhere.
func instanceRecordFromTags(instanceID string, launch time.Time, state string, tags map[string]string) models.InstanceRecord {
	owner := tags[models.TagOwner]
	repo := ""
	if idx := indexByte(owner, '/'); idx >= 0 {
		repo = owner[idx+1:]
		owner = owner[:idx]
	}

	return models.InstanceRecord{
		InstanceID:       instanceID,
		LaunchTime:       launch,
		Owner:            owner,
		Repo:             repo,
		Category:         models.RunnerCategory(tags[models.TagType]),
		CreatedBy:        models.Creator(tags[models.TagCreatedBy]),
		UpstreamRunnerID: tags[models.TagRunnerID],
		Orphan:           tags[models.TagOrphan] == "true",
		State:            state,
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// BuildTagSet returns the full tag set invariant 1 (spec §3) requires on
// every managed instance at create_fleet-return time.
func BuildTagSet(spec FleetSpec) map[string]string {
	owner := spec.Scope.Owner
	if !spec.Scope.OrgMode() {
		owner = spec.Scope.Owner + "/" + spec.Scope.Repo
	}

	tags := map[string]string{
		models.TagApplication: models.ApplicationMarker,
		models.TagEnvironment: spec.Environment,
		models.TagType:        string(spec.Scope.Category()),
		models.TagOwner:       owner,
		models.TagCreatedBy:   string(spec.CreatedBy),
	}
	for k, v := range spec.ExtraTags {
		tags[k] = v
	}
	return tags
}
