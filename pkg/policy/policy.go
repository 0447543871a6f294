package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/surgehq/surge/pkg/events"
	"github.com/surgehq/surge/pkg/log"
	"github.com/surgehq/surge/pkg/metrics"
	"github.com/surgehq/surge/pkg/storage"
	"github.com/surgehq/surge/pkg/types"
)

// CooldownError rejects a policy execution attempted before the policy's
// cooldown elapsed. Desired capacity is unchanged and no task is enqueued.
type CooldownError struct {
	PolicyID string
	Until    time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("policy %s in cooldown until %s", e.PolicyID, e.Until.Format(time.RFC3339))
}

// ValidationError rejects a capacity mutation before anything is enqueued.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// conditional-write retry bound for the group record
const maxUpdateRetries = 3

// Evaluator turns triggers (webhooks, schedules, direct capacity sets)
// into convergence tasks: it computes the new desired capacity from the
// policy's adjustment type, clamps it to the group's bounds, enforces the
// cooldown, bumps the group version and task generation, and enqueues.
type Evaluator struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
	now    func() time.Time
}

// NewEvaluator creates a policy evaluator.
func NewEvaluator(store storage.Store, broker *events.Broker) *Evaluator {
	return &Evaluator{
		store:  store,
		broker: broker,
		logger: log.WithComponent("policy"),
		now:    time.Now,
	}
}

// Execute fires a scaling policy by id.
func (ev *Evaluator) Execute(ctx context.Context, policyID string) (*types.ConvergenceTask, error) {
	policy, err := ev.store.GetPolicy(policyID)
	if err != nil {
		return nil, err
	}

	group, err := ev.store.GetGroup(policy.GroupID)
	if err != nil {
		return nil, err
	}
	if group.Status != types.GroupStatusActive || group.Paused {
		metrics.PolicyExecutions.WithLabelValues("rejected").Inc()
		return nil, &ValidationError{Reason: fmt.Sprintf("group %s is not accepting policy executions", group.ID)}
	}

	now := ev.now()
	if until := policy.LastExecuted.Add(policy.Cooldown); now.Before(until) {
		metrics.PolicyExecutions.WithLabelValues("cooldown").Inc()
		return nil, &CooldownError{PolicyID: policy.ID, Until: until}
	}

	desired := clamp(adjust(group.DesiredCapacity, policy), group.MinEntities, group.MaxEntities)

	task, err := ev.mutateAndEnqueue(group.ID, desired)
	if err != nil {
		return nil, err
	}

	// Stamp the cooldown only after the capacity change landed; a failed
	// mutation must not burn the window.
	policy.LastExecuted = now
	if err := ev.store.PutPolicy(policy); err != nil {
		return nil, fmt.Errorf("failed to mark policy executed: %w", err)
	}

	metrics.PolicyExecutions.WithLabelValues("executed").Inc()
	ev.logger.Info().
		Str("group_id", group.ID).
		Str("policy_id", policy.ID).
		Int("desired", desired).
		Msg("policy executed")
	ev.publish(events.EventPolicyFired, group.ID, task, policy.ID)

	return task, nil
}

// ExecuteWebhook resolves a capability token and fires its policy. The
// token is the entire authorization.
func (ev *Evaluator) ExecuteWebhook(ctx context.Context, token string) (*types.ConvergenceTask, error) {
	hook, err := ev.store.GetWebhookByToken(token)
	if err != nil {
		return nil, err
	}
	return ev.Execute(ctx, hook.PolicyID)
}

// SetDesiredCapacity is the direct mutation path used by the upstream
// API: no policy, no cooldown, but bounds are enforced strictly rather
// than clamped.
func (ev *Evaluator) SetDesiredCapacity(ctx context.Context, groupID string, desired int) (*types.ConvergenceTask, error) {
	group, err := ev.store.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	if group.Status != types.GroupStatusActive {
		return nil, &ValidationError{Reason: fmt.Sprintf("group %s is %s", group.ID, group.Status)}
	}
	if desired < group.MinEntities || desired > group.MaxEntities {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("desired capacity %d outside [%d, %d]", desired, group.MinEntities, group.MaxEntities),
		}
	}
	return ev.mutateAndEnqueue(groupID, desired)
}

// SetPaused suspends or resumes scaling activity for a group. A paused
// group keeps its servers but rejects policy executions and is skipped by
// self-heal; on resume the next self-heal pass converges any drift.
func (ev *Evaluator) SetPaused(ctx context.Context, groupID string, paused bool) (*types.ScalingGroup, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		group, err := ev.store.GetGroup(groupID)
		if err != nil {
			return nil, err
		}
		if group.Status != types.GroupStatusActive {
			return nil, &ValidationError{Reason: fmt.Sprintf("group %s is %s", group.ID, group.Status)}
		}
		if group.Paused == paused {
			return group, nil
		}
		group.Paused = paused
		if err := ev.store.UpdateGroup(group); err != nil {
			if errors.Is(err, storage.ErrStaleVersion) {
				continue
			}
			return nil, err
		}
		ev.logger.Info().Str("group_id", group.ID).Bool("paused", paused).Msg("group pause state changed")
		ev.publish(events.EventGroupUpdated, group.ID, nil, "")
		return group, nil
	}
	return nil, storage.ErrStaleVersion
}

// DeleteGroup removes a group. Without force the group must already be
// empty. With force, desired capacity is set to zero, the group is marked
// DELETING, and a final scale-to-zero convergence is enqueued; the caller
// deletes the record once that task completes.
func (ev *Evaluator) DeleteGroup(ctx context.Context, groupID string, force bool) (*types.ConvergenceTask, error) {
	if !force {
		return nil, ev.store.DeleteGroup(groupID, false)
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		group, err := ev.store.GetGroup(groupID)
		if err != nil {
			return nil, err
		}
		group.DesiredCapacity = 0
		group.Status = types.GroupStatusDeleting
		group.Generation++
		if err := ev.store.UpdateGroup(group); err != nil {
			if errors.Is(err, storage.ErrStaleVersion) {
				continue
			}
			return nil, err
		}
		return ev.enqueue(group)
	}
	return nil, storage.ErrStaleVersion
}

// Enqueue creates a convergence task at the group's current generation
// without mutating desired capacity. Used by the self-heal scheduler; if a
// task is already in flight the request coalesces into it.
func (ev *Evaluator) Enqueue(ctx context.Context, group *types.ScalingGroup) (*types.ConvergenceTask, error) {
	return ev.enqueue(group)
}

// mutateAndEnqueue applies the new desired capacity with a conditional
// write (retrying on stale reads), bumps the generation, and creates the
// task.
func (ev *Evaluator) mutateAndEnqueue(groupID string, desired int) (*types.ConvergenceTask, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		group, err := ev.store.GetGroup(groupID)
		if err != nil {
			return nil, err
		}
		group.DesiredCapacity = desired
		group.Generation++
		if err := ev.store.UpdateGroup(group); err != nil {
			if errors.Is(err, storage.ErrStaleVersion) {
				continue
			}
			return nil, err
		}
		ev.publish(events.EventGroupUpdated, group.ID, nil, "")
		return ev.enqueue(group)
	}
	return nil, storage.ErrStaleVersion
}

func (ev *Evaluator) enqueue(group *types.ScalingGroup) (*types.ConvergenceTask, error) {
	task := &types.ConvergenceTask{
		ID:         uuid.New().String(),
		GroupID:    group.ID,
		Generation: group.Generation,
		Status:     types.TaskStatusPending,
	}
	if err := ev.store.CreateTask(task); err != nil {
		if errors.Is(err, storage.ErrTaskInFlight) {
			// Coalesce into the running task; its executor will notice
			// any generation bump and re-plan from fresh state.
			return ev.store.ActiveTaskForGroup(group.ID)
		}
		return nil, err
	}
	ev.publish(events.EventTaskEnqueued, group.ID, task, "")
	return task, nil
}

func (ev *Evaluator) publish(typ events.EventType, groupID string, task *types.ConvergenceTask, msg string) {
	if ev.broker == nil {
		return
	}
	event := &events.Event{
		ID:      uuid.New().String(),
		Type:    typ,
		GroupID: groupID,
		Message: msg,
	}
	if task != nil {
		event.TaskID = task.ID
	}
	ev.broker.Publish(event)
}

// adjust computes the raw new desired capacity from the policy.
func adjust(current int, p *types.ScalingPolicy) int {
	switch p.Type {
	case types.AdjustmentAbsolute:
		return int(p.Amount)
	case types.AdjustmentIncremental:
		return current + int(p.Amount)
	case types.AdjustmentPercentage:
		delta := float64(current) * p.Amount / 100
		// Round away from zero so a nonzero percentage always moves
		// capacity.
		if delta > 0 {
			return current + int(math.Ceil(delta))
		}
		return current + int(math.Floor(delta))
	default:
		return current
	}
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
