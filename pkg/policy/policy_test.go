package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgehq/surge/pkg/storage"
	"github.com/surgehq/surge/pkg/types"
)

var policyBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type policyEnv struct {
	store     *storage.BoltStore
	evaluator *Evaluator
	group     *types.ScalingGroup
}

func newPolicyEnv(t *testing.T, desired, min, max int) *policyEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	group := &types.ScalingGroup{
		ID:              "group-1",
		TenantID:        "tenant-1",
		Name:            "web",
		DesiredCapacity: desired,
		MinEntities:     min,
		MaxEntities:     max,
		LaunchConfigID:  "lc-1",
		Status:          types.GroupStatusActive,
	}
	require.NoError(t, store.CreateGroup(group))

	evaluator := NewEvaluator(store, nil)
	evaluator.now = func() time.Time { return policyBase }

	return &policyEnv{store: store, evaluator: evaluator, group: group}
}

func (env *policyEnv) addPolicy(t *testing.T, typ types.AdjustmentType, amount float64, cooldown time.Duration) *types.ScalingPolicy {
	t.Helper()
	p := &types.ScalingPolicy{
		ID:       "policy-" + string(typ),
		GroupID:  env.group.ID,
		Name:     "test",
		Type:     typ,
		Amount:   amount,
		Cooldown: cooldown,
	}
	require.NoError(t, env.store.PutPolicy(p))
	return p
}

func TestAdjust(t *testing.T) {
	tests := []struct {
		name    string
		current int
		typ     types.AdjustmentType
		amount  float64
		want    int
	}{
		{"absolute sets", 5, types.AdjustmentAbsolute, 10, 10},
		{"incremental adds", 5, types.AdjustmentIncremental, 3, 8},
		{"incremental subtracts", 5, types.AdjustmentIncremental, -2, 3},
		{"percentage up rounds away from zero", 10, types.AdjustmentPercentage, 15, 12},
		{"percentage down rounds away from zero", 10, types.AdjustmentPercentage, -15, 8},
		{"small positive percentage still moves", 1, types.AdjustmentPercentage, 5, 2},
		{"small negative percentage still moves", 1, types.AdjustmentPercentage, -5, 0},
		{"zero percentage holds", 10, types.AdjustmentPercentage, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &types.ScalingPolicy{Type: tt.typ, Amount: tt.amount}
			assert.Equal(t, tt.want, adjust(tt.current, p))
		})
	}
}

func TestExecuteClampsToBounds(t *testing.T) {
	env := newPolicyEnv(t, 8, 2, 10)
	p := env.addPolicy(t, types.AdjustmentIncremental, 100, 0)

	task, err := env.evaluator.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, task)

	group, err := env.store.GetGroup(env.group.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, group.DesiredCapacity)
	assert.Equal(t, uint64(1), group.Generation)
	assert.Equal(t, group.Generation, task.Generation)
}

// updateGroupFailingStore makes the capacity write fail so executions
// can be tested against a broken group mutation.
type updateGroupFailingStore struct {
	storage.Store
	err error
}

func (s *updateGroupFailingStore) UpdateGroup(group *types.ScalingGroup) error {
	return s.err
}

func TestExecuteFailedMutationPreservesCooldown(t *testing.T) {
	env := newPolicyEnv(t, 5, 0, 10)
	p := env.addPolicy(t, types.AdjustmentIncremental, 1, 10*time.Minute)

	broken := NewEvaluator(&updateGroupFailingStore{Store: env.store, err: errors.New("store offline")}, nil)
	broken.now = func() time.Time { return policyBase }

	_, err := broken.Execute(context.Background(), p.ID)
	require.Error(t, err)

	// A failed capacity change must not start the cooldown window.
	stored, err := env.store.GetPolicy(p.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastExecuted.IsZero())

	// Retrying against a healthy store succeeds immediately.
	task, err := env.evaluator.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, task)

	stored, err = env.store.GetPolicy(p.ID)
	require.NoError(t, err)
	assert.Equal(t, policyBase, stored.LastExecuted)
}

func TestExecuteCooldownRejected(t *testing.T) {
	env := newPolicyEnv(t, 5, 0, 10)
	p := env.addPolicy(t, types.AdjustmentIncremental, 1, 10*time.Minute)

	_, err := env.evaluator.Execute(context.Background(), p.ID)
	require.NoError(t, err)

	// Second execution inside the cooldown window.
	_, err = env.evaluator.Execute(context.Background(), p.ID)
	var cooldown *CooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.Equal(t, p.ID, cooldown.PolicyID)
	assert.Equal(t, policyBase.Add(10*time.Minute), cooldown.Until)

	// Desired capacity holds at the first execution's result.
	group, err := env.store.GetGroup(env.group.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, group.DesiredCapacity)
	assert.Equal(t, uint64(1), group.Generation)
}

func TestExecuteCooldownElapses(t *testing.T) {
	env := newPolicyEnv(t, 5, 0, 10)
	p := env.addPolicy(t, types.AdjustmentIncremental, 1, 10*time.Minute)

	_, err := env.evaluator.Execute(context.Background(), p.ID)
	require.NoError(t, err)

	// Finish the in-flight task so the next execution enqueues fresh.
	task, err := env.store.ActiveTaskForGroup(env.group.ID)
	require.NoError(t, err)
	task.Status = types.TaskStatusSucceeded
	require.NoError(t, env.store.UpdateTask(task))

	env.evaluator.now = func() time.Time { return policyBase.Add(10 * time.Minute) }
	_, err = env.evaluator.Execute(context.Background(), p.ID)
	require.NoError(t, err)

	group, err := env.store.GetGroup(env.group.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, group.DesiredCapacity)
}

func TestExecuteRejectsPausedGroup(t *testing.T) {
	env := newPolicyEnv(t, 5, 0, 10)
	p := env.addPolicy(t, types.AdjustmentIncremental, 1, 0)

	group, err := env.store.GetGroup(env.group.ID)
	require.NoError(t, err)
	group.Paused = true
	require.NoError(t, env.store.UpdateGroup(group))

	_, err = env.evaluator.Execute(context.Background(), p.ID)
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestExecuteCoalescesIntoInFlightTask(t *testing.T) {
	env := newPolicyEnv(t, 5, 0, 25)
	p := env.addPolicy(t, types.AdjustmentIncremental, 1, 0)

	first, err := env.evaluator.Execute(context.Background(), p.ID)
	require.NoError(t, err)

	// The first task has not finished; a second trigger bumps capacity
	// and generation but coalesces into the same task.
	second, err := env.evaluator.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	group, err := env.store.GetGroup(env.group.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, group.DesiredCapacity)
	assert.Equal(t, uint64(2), group.Generation)

	tasks, err := env.store.ListTasksByGroup(env.group.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestExecuteWebhook(t *testing.T) {
	env := newPolicyEnv(t, 5, 0, 10)
	p := env.addPolicy(t, types.AdjustmentIncremental, 2, 0)
	require.NoError(t, env.store.CreateWebhook(&types.Webhook{
		ID:       "hook-1",
		GroupID:  env.group.ID,
		PolicyID: p.ID,
		Token:    "cap-token-1",
	}))

	task, err := env.evaluator.ExecuteWebhook(context.Background(), "cap-token-1")
	require.NoError(t, err)
	require.NotNil(t, task)

	group, err := env.store.GetGroup(env.group.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, group.DesiredCapacity)
}

func TestExecuteWebhookUnknownToken(t *testing.T) {
	env := newPolicyEnv(t, 5, 0, 10)

	_, err := env.evaluator.ExecuteWebhook(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetDesiredCapacityStrictBounds(t *testing.T) {
	env := newPolicyEnv(t, 5, 2, 10)

	tests := []struct {
		name    string
		desired int
		wantErr bool
	}{
		{"within bounds", 7, false},
		{"at min", 2, false},
		{"below min rejected", 1, true},
		{"above max rejected", 11, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if task, err := env.store.ActiveTaskForGroup(env.group.ID); err == nil {
				task.Status = types.TaskStatusSucceeded
				require.NoError(t, env.store.UpdateTask(task))
			}

			_, err := env.evaluator.SetDesiredCapacity(context.Background(), env.group.ID, tt.desired)
			if tt.wantErr {
				var validation *ValidationError
				assert.ErrorAs(t, err, &validation)
				return
			}
			require.NoError(t, err)
			group, err := env.store.GetGroup(env.group.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.desired, group.DesiredCapacity)
		})
	}
}

func TestDeleteGroupRequiresForceWhenNonEmpty(t *testing.T) {
	env := newPolicyEnv(t, 2, 0, 10)

	_, err := env.evaluator.DeleteGroup(context.Background(), env.group.ID, false)
	assert.ErrorIs(t, err, storage.ErrGroupNotEmpty)

	task, err := env.evaluator.DeleteGroup(context.Background(), env.group.ID, true)
	require.NoError(t, err)
	require.NotNil(t, task)

	group, err := env.store.GetGroup(env.group.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GroupStatusDeleting, group.Status)
	assert.Equal(t, 0, group.DesiredCapacity)
}

func TestDeleteGroupEmptyWithoutForce(t *testing.T) {
	env := newPolicyEnv(t, 0, 0, 10)

	task, err := env.evaluator.DeleteGroup(context.Background(), env.group.ID, false)
	require.NoError(t, err)
	assert.Nil(t, task)

	_, err = env.store.GetGroup(env.group.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetPaused(t *testing.T) {
	env := newPolicyEnv(t, 5, 0, 10)
	p := env.addPolicy(t, types.AdjustmentIncremental, 1, 0)

	group, err := env.evaluator.SetPaused(context.Background(), env.group.ID, true)
	require.NoError(t, err)
	assert.True(t, group.Paused)

	_, err = env.evaluator.Execute(context.Background(), p.ID)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)

	// Pausing an already-paused group is a no-op, not a version bump.
	again, err := env.evaluator.SetPaused(context.Background(), env.group.ID, true)
	require.NoError(t, err)
	assert.Equal(t, group.Version, again.Version)

	group, err = env.evaluator.SetPaused(context.Background(), env.group.ID, false)
	require.NoError(t, err)
	assert.False(t, group.Paused)

	_, err = env.evaluator.Execute(context.Background(), p.ID)
	require.NoError(t, err)
}
