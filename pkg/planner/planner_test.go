package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgehq/surge/pkg/types"
)

var planBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testPlanner() *Planner {
	p := New(time.Hour)
	p.now = func() time.Time { return planBase }
	return p
}

func testGroup(desired int) *types.ScalingGroup {
	return &types.ScalingGroup{
		ID:              "group-1",
		TenantID:        "tenant-1",
		DesiredCapacity: desired,
		MinEntities:     0,
		MaxEntities:     25,
		Status:          types.GroupStatusActive,
	}
}

func testLaunchConfig(lbIDs ...string) *types.LaunchConfig {
	return &types.LaunchConfig{
		ID:              "lc-1",
		GroupID:         "group-1",
		Server:          types.ServerSpec{NamePrefix: "web", Image: "ubuntu-24.04", Flavor: "general1-2"},
		LoadBalancerIDs: lbIDs,
	}
}

func server(id string, status types.ServerStatus, age time.Duration, lbIDs ...string) *types.ServerState {
	return &types.ServerState{
		ID:              id,
		GroupID:         "group-1",
		Status:          status,
		CreatedAt:       planBase.Add(-age),
		LoadBalancerIDs: lbIDs,
	}
}

func countActions(steps []*types.Step) map[types.StepAction]int {
	counts := make(map[types.StepAction]int)
	for _, s := range steps {
		counts[s.Action]++
	}
	return counts
}

func stepByID(steps []*types.Step, id string) *types.Step {
	for _, s := range steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func TestPlanCapacityDelta(t *testing.T) {
	tests := []struct {
		name    string
		desired int
		servers []*types.ServerState
		want    map[types.StepAction]int
	}{
		{
			name:    "scale up from empty",
			desired: 3,
			servers: nil,
			want:    map[types.StepAction]int{types.ActionCreateServer: 3},
		},
		{
			name:    "converged group plans nothing",
			desired: 2,
			servers: []*types.ServerState{
				server("s-1", types.ServerStatusActive, time.Hour),
				server("s-2", types.ServerStatusActive, time.Hour),
			},
			want: map[types.StepAction]int{},
		},
		{
			name:    "scale down removes surplus",
			desired: 1,
			servers: []*types.ServerState{
				server("s-1", types.ServerStatusActive, 3*time.Hour),
				server("s-2", types.ServerStatusActive, 2*time.Hour),
				server("s-3", types.ServerStatusActive, time.Hour),
			},
			want: map[types.StepAction]int{types.ActionDeleteServer: 2},
		},
		{
			name:    "pending servers count toward capacity",
			desired: 2,
			servers: []*types.ServerState{
				server("s-1", types.ServerStatusActive, time.Hour),
				server("s-2", types.ServerStatusBuilding, 10*time.Minute),
			},
			want: map[types.StepAction]int{},
		},
		{
			name:    "deleting servers do not count",
			desired: 2,
			servers: []*types.ServerState{
				server("s-1", types.ServerStatusActive, time.Hour),
				server("s-2", types.ServerStatusDeleting, time.Hour),
			},
			want: map[types.StepAction]int{types.ActionCreateServer: 1},
		},
	}

	p := testPlanner()
	cfg := testLaunchConfig()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := p.Plan(testGroup(tt.desired), cfg, tt.servers)
			assert.Equal(t, tt.want, countActions(steps))
		})
	}
}

func TestPlanScaleUpWithUnattachedServer(t *testing.T) {
	// Desired 3, one ACTIVE server not yet on the load balancer: two
	// creates and three attachments, one of them for the existing server.
	p := testPlanner()
	cfg := testLaunchConfig("lb-1")
	servers := []*types.ServerState{
		server("s-1", types.ServerStatusActive, time.Hour),
	}

	steps := p.Plan(testGroup(3), cfg, servers)

	assert.Equal(t, map[types.StepAction]int{
		types.ActionCreateServer: 2,
		types.ActionAddToLB:      3,
	}, countActions(steps))

	// The existing server's attachment targets it directly; the other two
	// depend on their create step.
	for _, s := range steps {
		if s.Action != types.ActionAddToLB {
			continue
		}
		if s.ServerID == "s-1" {
			assert.Empty(t, s.DependsOn)
			continue
		}
		require.Len(t, s.DependsOn, 1)
		dep := stepByID(steps, s.DependsOn[0])
		require.NotNil(t, dep)
		assert.Equal(t, types.ActionCreateServer, dep.Action)
	}
}

func TestPlanScaleToZeroDetachesBeforeDelete(t *testing.T) {
	p := testPlanner()
	cfg := testLaunchConfig("lb-1")
	servers := []*types.ServerState{
		server("s-1", types.ServerStatusActive, 2*time.Hour, "lb-1"),
		server("s-2", types.ServerStatusActive, time.Hour, "lb-1"),
	}

	steps := p.Plan(testGroup(0), cfg, servers)

	assert.Equal(t, map[types.StepAction]int{
		types.ActionRemoveFromLB: 2,
		types.ActionDeleteServer: 2,
	}, countActions(steps))

	for _, s := range steps {
		if s.Action != types.ActionDeleteServer {
			continue
		}
		require.Len(t, s.DependsOn, 1)
		dep := stepByID(steps, s.DependsOn[0])
		require.NotNil(t, dep)
		assert.Equal(t, types.ActionRemoveFromLB, dep.Action)
		assert.Equal(t, s.ServerID, dep.ServerID)
	}
}

func TestPlanReplacesFailedServer(t *testing.T) {
	// One ERROR server on the load balancer, capacity otherwise met: the
	// failed server is torn down and one replacement created.
	p := testPlanner()
	cfg := testLaunchConfig("lb-1")
	servers := []*types.ServerState{
		server("s-ok", types.ServerStatusActive, 2*time.Hour, "lb-1"),
		server("s-bad", types.ServerStatusError, time.Hour, "lb-1"),
	}

	steps := p.Plan(testGroup(2), cfg, servers)

	assert.Equal(t, map[types.StepAction]int{
		types.ActionRemoveFromLB: 1,
		types.ActionDeleteServer: 1,
		types.ActionCreateServer: 1,
		types.ActionAddToLB:      1,
	}, countActions(steps))

	for _, s := range steps {
		switch s.Action {
		case types.ActionRemoveFromLB, types.ActionDeleteServer:
			assert.Equal(t, "s-bad", s.ServerID)
		}
	}
}

func TestPlanBuildingPastDeadlineIsFailed(t *testing.T) {
	p := testPlanner()
	cfg := testLaunchConfig()
	servers := []*types.ServerState{
		server("s-stuck", types.ServerStatusBuilding, 2*time.Hour),
	}

	steps := p.Plan(testGroup(1), cfg, servers)

	assert.Equal(t, map[types.StepAction]int{
		types.ActionDeleteServer: 1,
		types.ActionCreateServer: 1,
	}, countActions(steps))
}

func TestPlanVictimSelectionOldestFirst(t *testing.T) {
	p := testPlanner()
	cfg := testLaunchConfig()
	servers := []*types.ServerState{
		server("s-young", types.ServerStatusActive, time.Hour),
		server("s-old", types.ServerStatusActive, 5*time.Hour),
		server("s-mid", types.ServerStatusActive, 3*time.Hour),
	}

	steps := p.Plan(testGroup(1), cfg, servers)

	var deleted []string
	for _, s := range steps {
		if s.Action == types.ActionDeleteServer {
			deleted = append(deleted, s.ServerID)
		}
	}
	assert.Equal(t, []string{"s-old", "s-mid"}, deleted)
}

func TestPlanVictimTieBreakByID(t *testing.T) {
	p := testPlanner()
	cfg := testLaunchConfig()
	servers := []*types.ServerState{
		server("s-b", types.ServerStatusActive, time.Hour),
		server("s-a", types.ServerStatusActive, time.Hour),
	}

	steps := p.Plan(testGroup(1), cfg, servers)

	require.Len(t, steps, 1)
	assert.Equal(t, types.ActionDeleteServer, steps[0].Action)
	assert.Equal(t, "s-a", steps[0].ServerID)
}

func TestPlanMembershipDrift(t *testing.T) {
	// Server attached to an unconfigured load balancer and missing from a
	// configured one: both sides get corrected.
	p := testPlanner()
	cfg := testLaunchConfig("lb-new")
	servers := []*types.ServerState{
		server("s-1", types.ServerStatusActive, time.Hour, "lb-old"),
	}

	steps := p.Plan(testGroup(1), cfg, servers)

	require.Len(t, steps, 2)
	assert.Equal(t, map[types.StepAction]int{
		types.ActionAddToLB:      1,
		types.ActionRemoveFromLB: 1,
	}, countActions(steps))
	for _, s := range steps {
		assert.Equal(t, "s-1", s.ServerID)
		if s.Action == types.ActionAddToLB {
			assert.Equal(t, "lb-new", s.LoadBalancerID)
		} else {
			assert.Equal(t, "lb-old", s.LoadBalancerID)
		}
	}
}

func TestPlanIsPure(t *testing.T) {
	p := testPlanner()
	cfg := testLaunchConfig("lb-1")
	servers := []*types.ServerState{
		server("s-1", types.ServerStatusActive, time.Hour, "lb-1"),
		server("s-2", types.ServerStatusError, time.Hour),
	}

	first := p.Plan(testGroup(3), cfg, servers)
	second := p.Plan(testGroup(3), cfg, servers)

	assert.Equal(t, countActions(first), countActions(second))
	assert.Equal(t, types.ServerStatusError, servers[1].Status)
}

func TestCapacity(t *testing.T) {
	p := testPlanner()
	servers := []*types.ServerState{
		server("s-1", types.ServerStatusActive, time.Hour),
		server("s-2", types.ServerStatusBuilding, time.Minute),
		server("s-3", types.ServerStatusError, time.Hour),
		server("s-4", types.ServerStatusDeleting, time.Hour),
	}

	capacity := p.Capacity(testGroup(5), servers)

	assert.Equal(t, types.GroupCapacity{Desired: 5, Active: 1, Pending: 1}, capacity)
}

func TestSelectVictimsClampsToCandidates(t *testing.T) {
	victims := selectVictims([]*types.ServerState{
		server("s-1", types.ServerStatusActive, time.Hour),
	}, nil, 5)
	assert.Len(t, victims, 1)
}
