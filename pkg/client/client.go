package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/surgehq/surge/pkg/types"
)

// Client wraps the node's HTTP API for CLI usage.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the API at addr (host:port or full URL).
func New(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateGroupResult is the creation response, including capability
// tokens (and rendered capability URLs, when the node advertises a root
// URL) for any webhook-enabled policies.
type CreateGroupResult struct {
	Group    *types.ScalingGroup    `json:"group"`
	Policies []*types.ScalingPolicy `json:"policies"`
	Webhooks []*WebhookCreated      `json:"webhooks,omitempty"`
}

// WebhookCreated is a created webhook plus its capability URL.
type WebhookCreated struct {
	types.Webhook
	CapabilityURL string `json:"capability_url,omitempty"`
}

// CreateGroup registers a scaling group from a manifest.
func (c *Client) CreateGroup(ctx context.Context, manifest *types.GroupManifest) (*CreateGroupResult, error) {
	var result CreateGroupResult
	if err := c.do(ctx, http.MethodPost, "/v1/groups", manifest, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListGroups returns all groups, optionally filtered by tenant.
func (c *Client) ListGroups(ctx context.Context, tenantID string) ([]*types.ScalingGroup, error) {
	path := "/v1/groups"
	if tenantID != "" {
		path += "?tenant=" + url.QueryEscape(tenantID)
	}
	var groups []*types.ScalingGroup
	if err := c.do(ctx, http.MethodGet, path, nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// GetGroup fetches one group by id.
func (c *Client) GetGroup(ctx context.Context, groupID string) (*types.ScalingGroup, error) {
	var group types.ScalingGroup
	if err := c.do(ctx, http.MethodGet, "/v1/groups/"+groupID, nil, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// DeleteGroup removes a group. With force, the group is first converged
// to zero capacity.
func (c *Client) DeleteGroup(ctx context.Context, groupID string, force bool) error {
	path := "/v1/groups/" + groupID
	if force {
		path += "?force=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// SetDesired sets the group's desired capacity directly.
func (c *Client) SetDesired(ctx context.Context, groupID string, desired int) (*types.ConvergenceTask, error) {
	body := map[string]int{"desired": desired}
	var task types.ConvergenceTask
	if err := c.do(ctx, http.MethodPut, "/v1/groups/"+groupID+"/desired", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Pause suspends scaling activity for the group.
func (c *Client) Pause(ctx context.Context, groupID string) (*types.ScalingGroup, error) {
	var group types.ScalingGroup
	if err := c.do(ctx, http.MethodPost, "/v1/groups/"+groupID+"/pause", nil, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// Resume re-enables scaling activity for the group.
func (c *Client) Resume(ctx context.Context, groupID string) (*types.ScalingGroup, error) {
	var group types.ScalingGroup
	if err := c.do(ctx, http.MethodPost, "/v1/groups/"+groupID+"/resume", nil, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// Capacity returns the group's current capacity accounting.
func (c *Client) Capacity(ctx context.Context, groupID string) (*types.GroupCapacity, error) {
	var capacity types.GroupCapacity
	if err := c.do(ctx, http.MethodGet, "/v1/groups/"+groupID+"/capacity", nil, &capacity); err != nil {
		return nil, err
	}
	return &capacity, nil
}

// ExecutePolicy fires a scaling policy by id.
func (c *Client) ExecutePolicy(ctx context.Context, policyID string) (*types.ConvergenceTask, error) {
	var task types.ConvergenceTask
	if err := c.do(ctx, http.MethodPost, "/v1/policies/"+policyID+"/execute", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns the convergence tasks for a group.
func (c *Client) ListTasks(ctx context.Context, groupID string) ([]*types.ConvergenceTask, error) {
	var tasks []*types.ConvergenceTask
	if err := c.do(ctx, http.MethodGet, "/v1/groups/"+groupID+"/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskDetail is a task with its committed audit trail.
type TaskDetail struct {
	Task  *types.ConvergenceTask `json:"task"`
	Audit []*types.AuditRecord   `json:"audit"`
}

// GetTask fetches one task with its audit records.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskDetail, error) {
	var detail TaskDetail
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+taskID, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
