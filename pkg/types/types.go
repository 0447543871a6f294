package types

import (
	"time"
)

// GroupStatus represents the lifecycle state of a scaling group
type GroupStatus string

const (
	GroupStatusActive   GroupStatus = "active"
	GroupStatusDisabled GroupStatus = "disabled"
	GroupStatusDeleting GroupStatus = "deleting"
)

// ScalingGroup is a tenant-owned unit with a desired capacity and the
// policies governing it. Policies and webhooks are referenced by id, never
// by pointer, so the group/policy/webhook relationship stays acyclic.
type ScalingGroup struct {
	TenantID string
	ID       string
	Name     string

	DesiredCapacity int
	MinEntities     int
	MaxEntities     int

	LaunchConfigID string
	PolicyIDs      []string

	Status GroupStatus

	// Paused suspends all scaling activity (policy execution and
	// self-heal) without touching desired capacity.
	Paused bool

	// Version increases on every mutation of the group record and is the
	// key for conditional writes.
	Version uint64

	// Generation is the generation number of the most recently enqueued
	// convergence task for this group.
	Generation uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ServerSpec is the creation template applied to every server the group
// launches.
type ServerSpec struct {
	NamePrefix string            `yaml:"namePrefix" json:"name_prefix"`
	Image      string            `yaml:"image" json:"image"`
	Flavor     string            `yaml:"flavor" json:"flavor"`
	Metadata   map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LaunchConfig describes how to create a server and which load balancers
// to attach it to.
type LaunchConfig struct {
	ID      string
	GroupID string

	Server ServerSpec

	// LoadBalancerIDs is the target load-balancer set. Every healthy
	// server in the group must be a member of exactly these.
	LoadBalancerIDs []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AdjustmentType defines how a scaling policy computes the new desired
// capacity.
type AdjustmentType string

const (
	// AdjustmentAbsolute sets desired capacity to Amount.
	AdjustmentAbsolute AdjustmentType = "absolute"

	// AdjustmentIncremental adds Amount (possibly negative) to the
	// current desired capacity.
	AdjustmentIncremental AdjustmentType = "incremental"

	// AdjustmentPercentage scales current desired capacity by Amount
	// percent, rounding away from zero so a nonzero percentage always
	// moves capacity.
	AdjustmentPercentage AdjustmentType = "percentage"
)

// ScalingPolicy computes a capacity delta when triggered, subject to a
// cooldown.
type ScalingPolicy struct {
	ID      string
	GroupID string
	Name    string

	Type   AdjustmentType
	Amount float64

	Cooldown     time.Duration
	LastExecuted time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Webhook binds an unguessable capability token to a policy. Presenting
// the token executes the policy without any further authentication.
type Webhook struct {
	ID       string
	GroupID  string
	PolicyID string
	Token    string

	CreatedAt time.Time
}

// ServerStatus is the observed lifecycle state of a server
type ServerStatus string

const (
	ServerStatusBuilding ServerStatus = "building"
	ServerStatusActive   ServerStatus = "active"
	ServerStatusError    ServerStatus = "error"
	ServerStatusDeleting ServerStatus = "deleting"
)

// ServerState is the observed record of one server. Rows are created,
// updated and deleted only by the step executor, based on provider
// responses; the planner treats them as the single source of truth.
type ServerState struct {
	ID      string
	GroupID string

	Status    ServerStatus
	CreatedAt time.Time

	// LoadBalancerIDs is the set of load balancers the server is
	// currently a member of.
	LoadBalancerIDs []string
}

// Member reports whether the server is attached to the given load balancer.
func (s *ServerState) Member(lbID string) bool {
	for _, id := range s.LoadBalancerIDs {
		if id == lbID {
			return true
		}
	}
	return false
}

// StepAction is the closed set of corrective actions a plan can contain.
type StepAction string

const (
	ActionCreateServer StepAction = "create_server"
	ActionDeleteServer StepAction = "delete_server"
	ActionAddToLB      StepAction = "add_to_lb"
	ActionRemoveFromLB StepAction = "remove_from_lb"
)

// StepStatus tracks execution progress of a single step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Step is one typed action in a convergence plan. ID doubles as the
// idempotency key passed to the provider.
type Step struct {
	ID     string
	Action StepAction

	// ServerID is the target server. For create_server steps it is
	// assigned by the executor once the provider returns an id; the
	// planner leaves it empty and dependent steps resolve it through
	// their DependsOn edge.
	ServerID       string
	LoadBalancerID string

	// DependsOn lists step ids that must succeed before this step may
	// start (create-before-attach, detach-before-delete).
	DependsOn []string

	Status   StepStatus
	Attempts int
	Error    string
}

// TaskStatus is the lifecycle of a convergence task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is SUCCEEDED or FAILED.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// ConvergenceTask is one convergence pass over a group. At most one
// non-terminal task exists per group; terminal tasks are retained for
// audit.
type ConvergenceTask struct {
	ID      string
	GroupID string

	// Generation is monotonically non-decreasing per group in commit
	// order. A task that discovers a newer generation in flight discards
	// its pending commits.
	Generation uint64

	Status TaskStatus
	Steps  []*Step

	// NodeID and LeaseToken identify the owner executing the task.
	NodeID     string
	LeaseToken string

	// Reason carries the failure reason for FAILED tasks.
	Reason string

	// Version is the key for conditional writes on the task record.
	Version uint64

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// AuditRecord is one committed effect of a convergence task, retained as
// the observable history of what the engine did and why.
type AuditRecord struct {
	ID      string
	GroupID string
	TaskID  string
	StepID  string

	Action  StepAction
	Outcome StepStatus
	Message string

	Timestamp time.Time
}

// GroupManifest is the declarative creation form for a scaling group,
// accepted as YAML by the CLI and as JSON by the API.
type GroupManifest struct {
	TenantID        string           `yaml:"tenantId" json:"tenant_id"`
	Name            string           `yaml:"name" json:"name"`
	DesiredCapacity int              `yaml:"desiredCapacity" json:"desired_capacity"`
	MinEntities     int              `yaml:"minEntities" json:"min_entities"`
	MaxEntities     int              `yaml:"maxEntities" json:"max_entities"`
	Server          ServerSpec       `yaml:"server" json:"server"`
	LoadBalancerIDs []string         `yaml:"loadBalancers" json:"load_balancers"`
	Policies        []PolicyManifest `yaml:"policies" json:"policies"`
}

// PolicyManifest declares one scaling policy within a group manifest.
type PolicyManifest struct {
	Name            string         `yaml:"name" json:"name"`
	Type            AdjustmentType `yaml:"type" json:"type"`
	Amount          float64        `yaml:"amount" json:"amount"`
	CooldownSeconds int            `yaml:"cooldownSeconds" json:"cooldown_seconds"`

	// Webhook requests a capability token for triggering this policy.
	Webhook bool `yaml:"webhook" json:"webhook"`
}

// GroupCapacity is the capacity accounting exposed by the status surface:
// how many servers count toward desired capacity right now.
type GroupCapacity struct {
	Desired int `json:"desired"`
	Active  int `json:"active"`
	Pending int `json:"pending"`
}
