package planner

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/surgehq/surge/pkg/types"
)

// Planner diffs a group's desired spec against freshly-read observed state
// and produces an ordered, idempotent step plan. Planning is pure: it
// never mutates state and never caches observations, so re-planning after
// partial execution cannot double-count committed effects.
type Planner struct {
	// pendingDeadline is how long a BUILDING server may take before it
	// is deemed failed and slated for replacement.
	pendingDeadline time.Duration

	now func() time.Time
}

// New creates a planner with the given pending-creation deadline.
func New(pendingDeadline time.Duration) *Planner {
	return &Planner{
		pendingDeadline: pendingDeadline,
		now:             time.Now,
	}
}

// partition buckets observed servers by what the plan must do with them.
type partition struct {
	active  []*types.ServerState // healthy, counts toward capacity
	pending []*types.ServerState // building, within deadline, counts
	failed  []*types.ServerState // ERROR or building past deadline: replace
}

func (p *Planner) partition(servers []*types.ServerState) partition {
	var out partition
	now := p.now()
	for _, s := range servers {
		switch s.Status {
		case types.ServerStatusActive:
			out.active = append(out.active, s)
		case types.ServerStatusBuilding:
			if now.After(s.CreatedAt.Add(p.pendingDeadline)) {
				out.failed = append(out.failed, s)
			} else {
				out.pending = append(out.pending, s)
			}
		case types.ServerStatusError:
			out.failed = append(out.failed, s)
		case types.ServerStatusDeleting:
			// Already on the way out; the next pass sees it gone.
		}
	}
	return out
}

// Plan computes the steps that bring observed state into conformance with
// the group's desired capacity and launch config. An empty plan means the
// group is converged.
func (p *Planner) Plan(group *types.ScalingGroup, cfg *types.LaunchConfig, servers []*types.ServerState) []*types.Step {
	part := p.partition(servers)

	countable := len(part.active) + len(part.pending)
	delta := group.DesiredCapacity - countable

	var steps []*types.Step

	// Failed servers are always torn down. Their replacements, if
	// capacity calls for any, come out of the positive delta below,
	// which already excludes them from the countable set.
	for _, s := range part.failed {
		steps = append(steps, removalSequence(s)...)
	}

	if delta > 0 {
		for i := 0; i < delta; i++ {
			steps = append(steps, createSequence(cfg)...)
		}
	}

	removing := make(map[string]bool)
	if delta < 0 {
		victims := selectVictims(part.active, part.pending, -delta)
		for _, s := range victims {
			removing[s.ID] = true
			steps = append(steps, removalSequence(s)...)
		}
	}

	// Correct load-balancer drift on the healthy servers that survive
	// this plan.
	for _, s := range part.active {
		if removing[s.ID] {
			continue
		}
		steps = append(steps, membershipCorrections(s, cfg)...)
	}

	return steps
}

// createSequence emits one CreateServer step plus a dependent AddToLB per
// configured load balancer.
func createSequence(cfg *types.LaunchConfig) []*types.Step {
	create := &types.Step{
		ID:     uuid.New().String(),
		Action: types.ActionCreateServer,
		Status: types.StepStatusPending,
	}
	steps := []*types.Step{create}
	for _, lbID := range cfg.LoadBalancerIDs {
		steps = append(steps, &types.Step{
			ID:             uuid.New().String(),
			Action:         types.ActionAddToLB,
			LoadBalancerID: lbID,
			DependsOn:      []string{create.ID},
			Status:         types.StepStatusPending,
		})
	}
	return steps
}

// removalSequence emits RemoveFromLB steps for each current membership,
// then a DeleteServer step ordered after all of them.
func removalSequence(s *types.ServerState) []*types.Step {
	var steps []*types.Step
	var detachIDs []string
	for _, lbID := range s.LoadBalancerIDs {
		detach := &types.Step{
			ID:             uuid.New().String(),
			Action:         types.ActionRemoveFromLB,
			ServerID:       s.ID,
			LoadBalancerID: lbID,
			Status:         types.StepStatusPending,
		}
		detachIDs = append(detachIDs, detach.ID)
		steps = append(steps, detach)
	}
	steps = append(steps, &types.Step{
		ID:        uuid.New().String(),
		Action:    types.ActionDeleteServer,
		ServerID:  s.ID,
		DependsOn: detachIDs,
		Status:    types.StepStatusPending,
	})
	return steps
}

// membershipCorrections reconciles one healthy server's load-balancer
// memberships with the launch config: missing memberships are added,
// memberships on unconfigured load balancers removed.
func membershipCorrections(s *types.ServerState, cfg *types.LaunchConfig) []*types.Step {
	configured := make(map[string]bool, len(cfg.LoadBalancerIDs))
	for _, lbID := range cfg.LoadBalancerIDs {
		configured[lbID] = true
	}

	var steps []*types.Step
	for _, lbID := range cfg.LoadBalancerIDs {
		if !s.Member(lbID) {
			steps = append(steps, &types.Step{
				ID:             uuid.New().String(),
				Action:         types.ActionAddToLB,
				ServerID:       s.ID,
				LoadBalancerID: lbID,
				Status:         types.StepStatusPending,
			})
		}
	}
	for _, lbID := range s.LoadBalancerIDs {
		if !configured[lbID] {
			steps = append(steps, &types.Step{
				ID:             uuid.New().String(),
				Action:         types.ActionRemoveFromLB,
				ServerID:       s.ID,
				LoadBalancerID: lbID,
				Status:         types.StepStatusPending,
			})
		}
	}
	return steps
}

// selectVictims picks n removal candidates, oldest-created-first, with the
// server id as the deterministic tie-break. Pending servers are eligible
// alongside active ones; age decides, not lifecycle.
func selectVictims(active, pending []*types.ServerState, n int) []*types.ServerState {
	candidates := make([]*types.ServerState, 0, len(active)+len(pending))
	candidates = append(candidates, active...)
	candidates = append(candidates, pending...)

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// Capacity reports how many observed servers currently count toward the
// group's desired capacity.
func (p *Planner) Capacity(group *types.ScalingGroup, servers []*types.ServerState) types.GroupCapacity {
	part := p.partition(servers)
	return types.GroupCapacity{
		Desired: group.DesiredCapacity,
		Active:  len(part.active),
		Pending: len(part.pending),
	}
}
