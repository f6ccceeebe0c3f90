// Package models holds the wire and domain types shared across the
// scale-up, scale-down, pool top-up and retry control loops.
package models

import "time"

// EventKind is the upstream event that produced a scale-up request message.
type EventKind string

const (
	EventWorkflowQueued EventKind = "workflow_job"
	EventCheckRun       EventKind = "check_run"
)

// OwnerKind identifies whether a scope's owner is a GitHub organization or
// an individual user account. Org-mode scaling only accepts Organization.
type OwnerKind string

const (
	OwnerOrganization OwnerKind = "Organization"
	OwnerUser         OwnerKind = "User"
)

// RunnerCategory mirrors the Type tag written on every managed instance.
type RunnerCategory string

const (
	CategoryOrg  RunnerCategory = "Org"
	CategoryRepo RunnerCategory = "Repo"
)

// Creator records which control loop created an instance: the scale-up
// dispatcher or the pool top-up loop. Per DESIGN.md's Open Question
// decision, this is always supplied explicitly by the caller, never
// derived from the number of instances created in one call.
type Creator string

const (
	CreatedByScaleUp Creator = "scale-up"
	CreatedByPool    Creator = "pool"
)

// EvictionStrategy selects sort order for scale-down candidates within an
// owner group.
type EvictionStrategy string

const (
	EvictOldestFirst EvictionStrategy = "oldest-first"
	EvictNewestFirst EvictionStrategy = "newest-first"
)

// Scope is the administrative unit a runner belongs to: either an
// organization (org-mode) or an owner/repo pair (repo-mode).
type Scope struct {
	Owner     string
	Repo      string // empty in org-mode
	OwnerKind OwnerKind
}

// OrgMode reports whether this scope was resolved under org-mode scaling.
func (s Scope) OrgMode() bool {
	return s.Repo == ""
}

// Key returns the scope's grouping key: the owner name in org-mode, or
// "owner/repo" in repo-mode. Messages sharing a Key are scaled together.
func (s Scope) Key() string {
	if s.OrgMode() {
		return s.Owner
	}
	return s.Owner + "/" + s.Repo
}

// Category reports the Type tag value for instances created for this scope.
func (s Scope) Category() RunnerCategory {
	if s.OrgMode() {
		return CategoryOrg
	}
	return CategoryRepo
}

// Message is the immutable payload describing one queued CI job, as
// delivered by the durable intake queue. See spec §3 "Request message".
type Message struct {
	ID               int64     `json:"id"`
	EventType        EventKind `json:"eventType"`
	RepositoryOwner  string    `json:"repositoryOwner"`
	RepositoryName   string    `json:"repositoryName"`
	RepoOwnerType    OwnerKind `json:"repoOwnerType"`
	InstallationID   int64     `json:"installationId"`
	RetryCounter     *int      `json:"retryCounter,omitempty"`
	QueueDeliveryID  string    `json:"-"` // opaque, per-message failure reporting handle
}

// Scope derives the owning scope from the message per the configured
// org-mode setting.
func (m Message) Scope(orgMode bool) Scope {
	if orgMode {
		return Scope{Owner: m.RepositoryOwner, OwnerKind: m.RepoOwnerType}
	}
	return Scope{Owner: m.RepositoryOwner, Repo: m.RepositoryName, OwnerKind: m.RepoOwnerType}
}

// Retries returns the message's retry counter, treating an absent counter
// as zero retries so far.
func (m Message) Retries() int {
	if m.RetryCounter == nil {
		return 0
	}
	return *m.RetryCounter
}

// Tag keys written on every managed instance. Wire-visible per spec §6.
const (
	TagApplication = "ghr:Application"
	TagEnvironment = "ghr:environment"
	TagType        = "Type"
	TagOwner       = "Owner"
	TagCreatedBy   = "ghr:created_by"
	TagRunnerID    = "ghr:github_runner_id"
	TagOrphan      = "ghr:orphan"
)

// ApplicationMarker is the authoritative membership predicate value for
// TagApplication.
const ApplicationMarker = "github-action-runner"

// InstanceRecord is the projection of a live cloud instance that the
// scale-down, pool top-up and scale-up loops all reason over. It is the
// sole durable representation of controller state (spec §3 invariant 1).
type InstanceRecord struct {
	InstanceID       string
	LaunchTime       time.Time
	Owner            string
	Repo             string // empty for org-scoped instances
	Category         RunnerCategory
	CreatedBy        Creator
	UpstreamRunnerID string // tag value; empty until registration observed
	Orphan           bool
	State            string // cloud-reported lifecycle state, e.g. "running"
}

// Scope reconstructs the owning scope this instance was created for.
// Org-scoped instances carry no owner-kind tag; repo-scoped instances are
// likewise agnostic to whether the owner is an org or a user, since that
// distinction only matters at message-validation time (spec §4.2 step 1).
func (r InstanceRecord) Scope() Scope {
	return Scope{Owner: r.Owner, Repo: r.Repo}
}

// ScalingDecision records one decision made by a control loop, kept for
// operator visibility via internal/store and internal/analytics. It is not
// part of the durable controller state (that lives entirely in instance
// tags and the parameter store per spec §1).
type ScalingDecision struct {
	Component string    `json:"component"` // "scale-up", "scale-down", "pool", "retry"
	Action    string    `json:"action"`
	Scope     string    `json:"scope"`
	Count     int       `json:"count"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a point-in-time snapshot surfaced over the ops HTTP API.
type Metrics struct {
	ActiveInstances int       `json:"active_instances"`
	IdleInstances   int       `json:"idle_instances"`
	OrphanInstances int       `json:"orphan_instances"`
	LastReconcile   time.Time `json:"last_reconcile"`
	ReconcileErrors int       `json:"reconcile_errors"`
}
