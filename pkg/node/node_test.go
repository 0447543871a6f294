package node

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgehq/surge/pkg/events"
	"github.com/surgehq/surge/pkg/metrics"
	"github.com/surgehq/surge/pkg/lease"
	"github.com/surgehq/surge/pkg/provider"
	"github.com/surgehq/surge/pkg/storage"
	"github.com/surgehq/surge/pkg/types"
)

type nodeEnv struct {
	store  *storage.BoltStore
	cloud  *provider.Fake
	leases *lease.Memory
	node   *Node
	lease  *lease.Lease
	group  *types.ScalingGroup
}

func newNodeEnv(t *testing.T, desired int, lbIDs ...string) *nodeEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	group := &types.ScalingGroup{
		ID:              "group-1",
		TenantID:        "tenant-1",
		Name:            "web",
		DesiredCapacity: desired,
		MaxEntities:     25,
		LaunchConfigID:  "lc-1",
		Status:          types.GroupStatusActive,
	}
	require.NoError(t, store.CreateGroup(group))
	require.NoError(t, store.PutLaunchConfig(&types.LaunchConfig{
		ID:              "lc-1",
		GroupID:         group.ID,
		Server:          types.ServerSpec{NamePrefix: "web", Image: "ubuntu-24.04", Flavor: "general1-2"},
		LoadBalancerIDs: lbIDs,
	}))

	leases := lease.NewMemory()
	l, err := leases.Acquire(context.Background(), group.ID, "node-1", time.Minute)
	require.NoError(t, err)

	cfg := DefaultConfig("node-1")
	cfg.Executor.Backoff.Base = time.Millisecond
	cfg.Executor.Backoff.Max = 5 * time.Millisecond

	cloud := provider.NewFake()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return &nodeEnv{
		store:  store,
		cloud:  cloud,
		leases: leases,
		node:   New(cfg, store, cloud, leases, broker),
		lease:  l,
		group:  group,
	}
}

func (env *nodeEnv) enqueue(t *testing.T) *types.ConvergenceTask {
	t.Helper()
	task := &types.ConvergenceTask{
		ID:         "task-1",
		GroupID:    env.group.ID,
		Generation: env.group.Generation,
		Status:     types.TaskStatusPending,
	}
	require.NoError(t, env.store.CreateTask(task))
	return task
}

func TestConvergeScalesUp(t *testing.T) {
	env := newNodeEnv(t, 2, "lb-1")
	task := env.enqueue(t)

	require.NoError(t, env.node.converge(context.Background(), env.group.ID, task.ID, env.lease))

	done, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSucceeded, done.Status)
	assert.Equal(t, 2, env.cloud.ServerCount(env.group.ID))

	servers, err := env.store.ListServersByGroup(env.group.ID)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	for _, s := range servers {
		assert.True(t, env.cloud.IsMember("lb-1", s.ID))
	}
}

func TestConvergeAlreadyConverged(t *testing.T) {
	env := newNodeEnv(t, 1)

	id, err := env.cloud.CreateServer(context.Background(), env.group.ID, types.ServerSpec{}, "seed-1")
	require.NoError(t, err)
	require.NoError(t, env.store.PutServerState(&types.ServerState{
		ID: id, GroupID: env.group.ID, Status: types.ServerStatusActive,
	}))

	task := env.enqueue(t)
	require.NoError(t, env.node.converge(context.Background(), env.group.ID, task.ID, env.lease))

	done, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSucceeded, done.Status)
	assert.Empty(t, done.Steps)
	assert.Equal(t, 1, env.cloud.ServerCount(env.group.ID))
}

func TestConvergeRepairsOutOfBandDeletion(t *testing.T) {
	// A server deleted behind the engine's back: the refresh drops its
	// record and the plan recreates the missing capacity.
	env := newNodeEnv(t, 2)
	ctx := context.Background()

	var ids []string
	for _, key := range []string{"seed-1", "seed-2"} {
		id, err := env.cloud.CreateServer(ctx, env.group.ID, types.ServerSpec{}, key)
		require.NoError(t, err)
		require.NoError(t, env.store.PutServerState(&types.ServerState{
			ID: id, GroupID: env.group.ID, Status: types.ServerStatusActive,
		}))
		ids = append(ids, id)
	}
	require.NoError(t, env.cloud.DeleteServer(ctx, ids[0]))

	task := env.enqueue(t)
	require.NoError(t, env.node.converge(ctx, env.group.ID, task.ID, env.lease))

	assert.Equal(t, 2, env.cloud.ServerCount(env.group.ID))
	servers, err := env.store.ListServersByGroup(env.group.ID)
	require.NoError(t, err)
	assert.Len(t, servers, 2)
	assert.False(t, env.cloud.HasServer(ids[0]))
}

func TestConvergeReplacesErroredServer(t *testing.T) {
	env := newNodeEnv(t, 1)
	ctx := context.Background()

	id, err := env.cloud.CreateServer(ctx, env.group.ID, types.ServerSpec{}, "seed-1")
	require.NoError(t, err)
	require.NoError(t, env.store.PutServerState(&types.ServerState{
		ID: id, GroupID: env.group.ID, Status: types.ServerStatusActive,
	}))
	env.cloud.SetStatus(id, types.ServerStatusError)

	task := env.enqueue(t)
	require.NoError(t, env.node.converge(ctx, env.group.ID, task.ID, env.lease))

	assert.False(t, env.cloud.HasServer(id))
	assert.Equal(t, 1, env.cloud.ServerCount(env.group.ID))
}

func TestConvergeAdoptsNewerGeneration(t *testing.T) {
	env := newNodeEnv(t, 1)
	task := env.enqueue(t)

	// Capacity changed after the task was enqueued; adoption moves the
	// task to the new generation and plans against it.
	group, err := env.store.GetGroup(env.group.ID)
	require.NoError(t, err)
	group.DesiredCapacity = 3
	group.Generation++
	require.NoError(t, env.store.UpdateGroup(group))

	require.NoError(t, env.node.converge(context.Background(), env.group.ID, task.ID, env.lease))

	done, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSucceeded, done.Status)
	assert.Equal(t, group.Generation, done.Generation)
	assert.Equal(t, 3, env.cloud.ServerCount(env.group.ID))
}

func TestConvergeFinalizesDeletion(t *testing.T) {
	env := newNodeEnv(t, 0)
	ctx := context.Background()

	id, err := env.cloud.CreateServer(ctx, env.group.ID, types.ServerSpec{}, "seed-1")
	require.NoError(t, err)
	require.NoError(t, env.store.PutServerState(&types.ServerState{
		ID: id, GroupID: env.group.ID, Status: types.ServerStatusActive,
	}))

	group, err := env.store.GetGroup(env.group.ID)
	require.NoError(t, err)
	group.Status = types.GroupStatusDeleting
	require.NoError(t, env.store.UpdateGroup(group))
	env.group = group

	task := env.enqueue(t)
	require.NoError(t, env.node.converge(ctx, env.group.ID, task.ID, env.lease))

	assert.Equal(t, 0, env.cloud.ServerCount(group.ID))
	_, err = env.store.GetGroup(group.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScanRefreshesFleetGauges(t *testing.T) {
	env := newNodeEnv(t, 2)

	require.NoError(t, env.store.CreateGroup(&types.ScalingGroup{
		ID:             "group-2",
		TenantID:       "tenant-1",
		Name:           "workers",
		MaxEntities:    5,
		LaunchConfigID: "lc-1",
		Status:         types.GroupStatusDisabled,
	}))
	require.NoError(t, env.store.PutServerState(&types.ServerState{
		ID: "s-1", GroupID: env.group.ID, Status: types.ServerStatusActive,
	}))
	require.NoError(t, env.store.PutServerState(&types.ServerState{
		ID: "s-2", GroupID: env.group.ID, Status: types.ServerStatusError,
	}))

	require.NoError(t, env.node.scan(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GroupsTotal.WithLabelValues(string(types.GroupStatusActive))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GroupsTotal.WithLabelValues(string(types.GroupStatusDisabled))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ServersTotal.WithLabelValues(string(types.ServerStatusActive))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ServersTotal.WithLabelValues(string(types.ServerStatusError))))
}

func TestConvergeTerminalTaskIsNoop(t *testing.T) {
	env := newNodeEnv(t, 2)
	task := env.enqueue(t)
	task.Status = types.TaskStatusSucceeded
	require.NoError(t, env.store.UpdateTask(task))

	require.NoError(t, env.node.converge(context.Background(), env.group.ID, task.ID, env.lease))
	assert.Equal(t, 0, env.cloud.ServerCount(env.group.ID))
}
