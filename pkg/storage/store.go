package storage

import (
	"errors"

	"github.com/surgehq/surge/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")

	// ErrStaleVersion is returned by conditional writes when the stored
	// record's version no longer matches the version the caller read.
	// The caller must re-read and retry.
	ErrStaleVersion = errors.New("storage: stale version")

	// ErrTaskInFlight is returned by CreateTask when the group already
	// has a non-terminal convergence task.
	ErrTaskInFlight = errors.New("storage: convergence task already in flight")

	// ErrGroupNotEmpty is returned by DeleteGroup when the group still
	// has desired capacity or observed servers.
	ErrGroupNotEmpty = errors.New("storage: group not empty")

	// ErrTokenExists is returned by CreateWebhook when the capability
	// token is already bound.
	ErrTokenExists = errors.New("storage: webhook token already exists")
)

// Store is the persistence interface for all surge state. Updates to
// versioned records (groups, tasks) are conditional: they fail with
// ErrStaleVersion unless the caller passes the version it read, and they
// bump the version on success.
type Store interface {
	// Groups
	CreateGroup(group *types.ScalingGroup) error
	GetGroup(id string) (*types.ScalingGroup, error)
	ListGroups() ([]*types.ScalingGroup, error)
	ListGroupsByTenant(tenantID string) ([]*types.ScalingGroup, error)
	UpdateGroup(group *types.ScalingGroup) error
	DeleteGroup(id string, force bool) error

	// Launch configs
	PutLaunchConfig(cfg *types.LaunchConfig) error
	GetLaunchConfig(id string) (*types.LaunchConfig, error)
	DeleteLaunchConfig(id string) error

	// Policies
	PutPolicy(policy *types.ScalingPolicy) error
	GetPolicy(id string) (*types.ScalingPolicy, error)
	ListPoliciesByGroup(groupID string) ([]*types.ScalingPolicy, error)
	DeletePolicy(id string) error

	// Webhooks
	CreateWebhook(webhook *types.Webhook) error
	GetWebhook(id string) (*types.Webhook, error)
	GetWebhookByToken(token string) (*types.Webhook, error)
	ListWebhooksByPolicy(policyID string) ([]*types.Webhook, error)
	DeleteWebhook(id string) error

	// Observed server state
	PutServerState(server *types.ServerState) error
	GetServerState(id string) (*types.ServerState, error)
	ListServersByGroup(groupID string) ([]*types.ServerState, error)
	DeleteServerState(id string) error

	// Convergence tasks
	CreateTask(task *types.ConvergenceTask) error
	GetTask(id string) (*types.ConvergenceTask, error)
	ListTasksByGroup(groupID string) ([]*types.ConvergenceTask, error)
	ActiveTaskForGroup(groupID string) (*types.ConvergenceTask, error)
	UpdateTask(task *types.ConvergenceTask) error

	// Audit records
	AppendAudit(record *types.AuditRecord) error
	ListAuditByTask(taskID string) ([]*types.AuditRecord, error)
	ListAuditByGroup(groupID string) ([]*types.AuditRecord, error)

	// Utility
	Close() error
}
