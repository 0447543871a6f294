package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/surgehq/surge/pkg/events"
	"github.com/surgehq/surge/pkg/lease"
	"github.com/surgehq/surge/pkg/log"
	"github.com/surgehq/surge/pkg/metrics"
	"github.com/surgehq/surge/pkg/provider"
	"github.com/surgehq/surge/pkg/storage"
	"github.com/surgehq/surge/pkg/types"
)

var (
	// ErrStaleGeneration means a newer convergence generation started
	// for the group; the task's pending commits were discarded. Not a
	// user-visible failure.
	ErrStaleGeneration = errors.New("executor: stale generation")
)

// Aborted reports whether err means the task stopped without a
// user-visible failure: the lease was lost or a newer generation took
// over. Committed effects stand; the next owner reconciles.
func Aborted(err error) bool {
	return errors.Is(err, lease.ErrLeaseLost) || errors.Is(err, ErrStaleGeneration)
}

// Config bounds the executor's retry and concurrency behavior.
type Config struct {
	// MaxAttempts bounds provider retries per step.
	MaxAttempts int

	// Backoff is the delay curve between attempts.
	Backoff Backoff

	// StepConcurrency caps how many independent steps of one task run
	// at once.
	StepConcurrency int
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		Backoff:         DefaultBackoff,
		StepConcurrency: 4,
	}
}

// stepFunc applies one step against the provider and returns the server id
// it acted on (for create steps, the newly assigned id).
type stepFunc func(ctx context.Context, e *Executor, cfg *types.LaunchConfig, groupID string, step *types.Step) (string, error)

// Executor runs convergence plans: dependency-ordered, independent steps
// concurrent up to a cap, transient failures retried with backoff, and
// every committed effect written to observed state and the audit trail
// before the step counts as done.
type Executor struct {
	store    storage.Store
	cloud    provider.Provider
	leases   lease.Service
	broker   *events.Broker
	cfg      Config
	logger   zerolog.Logger
	dispatch map[types.StepAction]stepFunc
}

// New creates an executor.
func New(store storage.Store, cloud provider.Provider, leases lease.Service, broker *events.Broker, cfg Config) *Executor {
	e := &Executor{
		store:  store,
		cloud:  cloud,
		leases: leases,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("executor"),
	}
	// Closed dispatch table: one entry per step action.
	e.dispatch = map[types.StepAction]stepFunc{
		types.ActionCreateServer: applyCreateServer,
		types.ActionDeleteServer: applyDeleteServer,
		types.ActionAddToLB:      applyAddToLB,
		types.ActionRemoveFromLB: applyRemoveFromLB,
	}
	return e
}

func applyCreateServer(ctx context.Context, e *Executor, cfg *types.LaunchConfig, groupID string, step *types.Step) (string, error) {
	return e.cloud.CreateServer(ctx, groupID, cfg.Server, step.ID)
}

func applyDeleteServer(ctx context.Context, e *Executor, cfg *types.LaunchConfig, groupID string, step *types.Step) (string, error) {
	return step.ServerID, e.cloud.DeleteServer(ctx, step.ServerID)
}

func applyAddToLB(ctx context.Context, e *Executor, cfg *types.LaunchConfig, groupID string, step *types.Step) (string, error) {
	return step.ServerID, e.cloud.AddToLB(ctx, step.LoadBalancerID, step.ServerID)
}

func applyRemoveFromLB(ctx context.Context, e *Executor, cfg *types.LaunchConfig, groupID string, step *types.Step) (string, error) {
	return step.ServerID, e.cloud.RemoveFromLB(ctx, step.LoadBalancerID, step.ServerID)
}

type stepResult struct {
	step     *types.Step
	serverID string
	attempts int
	err      error
}

// Execute runs the task's plan to completion, failure, or abort. Steps
// already SUCCEEDED (an adopted task from a previous owner) are not re-run;
// their committed effects stand.
func (e *Executor) Execute(ctx context.Context, task *types.ConvergenceTask) error {
	group, err := e.store.GetGroup(task.GroupID)
	if err != nil {
		return fmt.Errorf("failed to read group: %w", err)
	}
	launchCfg, err := e.store.GetLaunchConfig(group.LaunchConfigID)
	if err != nil {
		return fmt.Errorf("failed to read launch config: %w", err)
	}

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.TaskExecutionDuration)
	}()

	logger := e.logger.With().Str("group_id", task.GroupID).Str("task_id", task.ID).Logger()

	task.Status = types.TaskStatusRunning
	task.StartedAt = time.Now()
	if err := e.store.UpdateTask(task); err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	e.publish(events.EventTaskStarted, task, nil, "")

	byID := make(map[string]*types.Step, len(task.Steps))
	for _, s := range task.Steps {
		byID[s.ID] = s
	}

	results := make(chan stepResult)
	running := 0
	var abortErr error
	failed := false

	for {
		if abortErr == nil && !failed {
			for _, step := range task.Steps {
				if running >= e.cfg.StepConcurrency {
					break
				}
				if !runnable(step, byID) {
					continue
				}
				step.Status = types.StepStatusRunning
				running++
				// Workers never write to the shared step: commits for
				// other steps marshal every step in the task, so attempt
				// counts and errors travel back through the result and
				// are applied here.
				go func(step *types.Step) {
					serverID, attempts, err := e.applyWithRetry(ctx, launchCfg, task.GroupID, step)
					results <- stepResult{step: step, serverID: serverID, attempts: attempts, err: err}
				}(step)
			}
		}

		if running == 0 {
			break
		}

		res := <-results
		running--
		res.step.Attempts = res.attempts

		if abortErr != nil {
			// Lease lost or superseded: let in-flight provider calls
			// finish, but commit nothing further.
			continue
		}

		if res.err != nil {
			res.step.Status = types.StepStatusFailed
			res.step.Error = res.err.Error()
			failed = true
			logger.Error().Err(res.err).Str("step_id", res.step.ID).
				Str("action", string(res.step.Action)).Msg("step failed")
			metrics.StepsFailed.WithLabelValues(string(res.step.Action)).Inc()
			e.publish(events.EventStepFailed, task, res.step, res.err.Error())
			continue
		}

		if err := e.commit(ctx, task, res.step, res.serverID); err != nil {
			if Aborted(err) {
				abortErr = err
				logger.Info().Err(err).Msg("task aborted, discarding pending commits")
				continue
			}
			// Commit failures (store unavailable, CAS conflict from an
			// adopting owner) also end the task without a terminal
			// write.
			abortErr = err
			logger.Warn().Err(err).Str("step_id", res.step.ID).Msg("commit failed, aborting task")
			continue
		}
		metrics.StepsExecuted.WithLabelValues(string(res.step.Action)).Inc()
	}

	if abortErr != nil {
		e.publish(events.EventTaskAborted, task, nil, abortErr.Error())
		return abortErr
	}

	if failed {
		skipDependents(task.Steps, byID)
		return e.finish(task, types.TaskStatusFailed, firstFailure(task))
	}
	return e.finish(task, types.TaskStatusSucceeded, "")
}

// skipDependents marks pending steps whose dependencies failed (directly or
// through an already-skipped step) as skipped.
func skipDependents(steps []*types.Step, byID map[string]*types.Step) {
	for changed := true; changed; {
		changed = false
		for _, step := range steps {
			if step.Status != types.StepStatusPending {
				continue
			}
			for _, depID := range step.DependsOn {
				dep := byID[depID]
				if dep == nil {
					continue
				}
				if dep.Status == types.StepStatusFailed || dep.Status == types.StepStatusSkipped {
					step.Status = types.StepStatusSkipped
					changed = true
					break
				}
			}
		}
	}
}

// runnable reports whether a step is ready: still pending, with every
// dependency succeeded. Steps whose dependencies failed are skipped.
func runnable(step *types.Step, byID map[string]*types.Step) bool {
	if step.Status != types.StepStatusPending {
		return false
	}
	for _, depID := range step.DependsOn {
		dep := byID[depID]
		if dep == nil {
			return false
		}
		switch dep.Status {
		case types.StepStatusSucceeded:
		case types.StepStatusFailed, types.StepStatusSkipped:
			step.Status = types.StepStatusSkipped
			return false
		default:
			return false
		}
	}
	return true
}

// applyWithRetry drives one provider call with bounded retries on
// transient failures. It runs on a worker goroutine and must not mutate
// the step; the attempt count is returned for the main loop to record.
func (e *Executor) applyWithRetry(ctx context.Context, cfg *types.LaunchConfig, groupID string, step *types.Step) (string, int, error) {
	apply, ok := e.dispatch[step.Action]
	if !ok {
		return "", 0, fmt.Errorf("unknown step action %q", step.Action)
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		serverID, err := apply(ctx, e, cfg, groupID, step)
		if err == nil {
			return serverID, attempt, nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			return "", attempt, err
		}
		metrics.StepRetries.WithLabelValues(string(step.Action)).Inc()
		if attempt < e.cfg.MaxAttempts {
			if err := sleep(ctx, e.cfg.Backoff.Duration(attempt)); err != nil {
				return "", attempt, lastErr
			}
		}
	}
	return "", e.cfg.MaxAttempts, fmt.Errorf("retries exhausted after %d attempts: %w", e.cfg.MaxAttempts, lastErr)
}

// commit makes a step's effect durable: re-validate the lease, check for a
// newer generation, write the ServerState mutation and audit record, then
// persist the step status. Commits run serially in plan order of
// completion; a dependent step cannot start until its prerequisite has
// committed.
func (e *Executor) commit(ctx context.Context, task *types.ConvergenceTask, step *types.Step, serverID string) error {
	if _, err := e.leases.Validate(ctx, task.LeaseToken); err != nil {
		return err
	}

	group, err := e.store.GetGroup(task.GroupID)
	if err != nil {
		return fmt.Errorf("failed to re-read group: %w", err)
	}
	if group.Generation > task.Generation {
		return ErrStaleGeneration
	}

	switch step.Action {
	case types.ActionCreateServer:
		step.ServerID = serverID
		resolveCreatedServer(task, step)
		err = e.store.PutServerState(&types.ServerState{
			ID:        serverID,
			GroupID:   task.GroupID,
			Status:    types.ServerStatusBuilding,
			CreatedAt: time.Now(),
		})
	case types.ActionDeleteServer:
		err = e.store.DeleteServerState(step.ServerID)
	case types.ActionAddToLB:
		err = e.mutateMemberships(step.ServerID, step.LoadBalancerID, true)
	case types.ActionRemoveFromLB:
		err = e.mutateMemberships(step.ServerID, step.LoadBalancerID, false)
	}
	if err != nil {
		return fmt.Errorf("failed to write observed state: %w", err)
	}

	step.Status = types.StepStatusSucceeded

	if err := e.store.AppendAudit(&types.AuditRecord{
		ID:      uuid.New().String(),
		GroupID: task.GroupID,
		TaskID:  task.ID,
		StepID:  step.ID,
		Action:  step.Action,
		Outcome: types.StepStatusSucceeded,
		Message: commitMessage(step),
	}); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	if err := e.store.UpdateTask(task); err != nil {
		return err
	}

	e.publish(events.EventStepCommitted, task, step, "")
	return nil
}

// resolveCreatedServer propagates the provider-assigned id into attach
// steps that depend on the create.
func resolveCreatedServer(task *types.ConvergenceTask, create *types.Step) {
	for _, s := range task.Steps {
		if s.ServerID != "" {
			continue
		}
		for _, depID := range s.DependsOn {
			if depID == create.ID {
				s.ServerID = create.ServerID
			}
		}
	}
}

func (e *Executor) mutateMemberships(serverID, lbID string, add bool) error {
	server, err := e.store.GetServerState(serverID)
	if err != nil {
		if add || !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		// Detaching a server whose record is already gone is a no-op.
		return nil
	}

	if add {
		if !server.Member(lbID) {
			server.LoadBalancerIDs = append(server.LoadBalancerIDs, lbID)
		}
	} else {
		kept := server.LoadBalancerIDs[:0]
		for _, id := range server.LoadBalancerIDs {
			if id != lbID {
				kept = append(kept, id)
			}
		}
		server.LoadBalancerIDs = kept
	}
	return e.store.PutServerState(server)
}

// finish writes the task's terminal status.
func (e *Executor) finish(task *types.ConvergenceTask, status types.TaskStatus, reason string) error {
	task.Status = status
	task.Reason = reason
	task.FinishedAt = time.Now()
	if err := e.store.UpdateTask(task); err != nil {
		return fmt.Errorf("failed to finalize task: %w", err)
	}

	if status == types.TaskStatusFailed {
		_ = e.store.AppendAudit(&types.AuditRecord{
			ID:      uuid.New().String(),
			GroupID: task.GroupID,
			TaskID:  task.ID,
			Outcome: types.StepStatusFailed,
			Message: reason,
		})
		e.publish(events.EventTaskFailed, task, nil, reason)
		metrics.TasksFailed.Inc()
		return nil
	}
	e.publish(events.EventTaskSucceeded, task, nil, "")
	metrics.TasksSucceeded.Inc()
	return nil
}

func firstFailure(task *types.ConvergenceTask) string {
	for _, s := range task.Steps {
		if s.Status == types.StepStatusFailed {
			return fmt.Sprintf("%s: %s", s.Action, s.Error)
		}
	}
	return "step failed"
}

func commitMessage(step *types.Step) string {
	switch step.Action {
	case types.ActionCreateServer:
		return "created server " + step.ServerID
	case types.ActionDeleteServer:
		return "deleted server " + step.ServerID
	case types.ActionAddToLB:
		return fmt.Sprintf("attached %s to %s", step.ServerID, step.LoadBalancerID)
	case types.ActionRemoveFromLB:
		return fmt.Sprintf("detached %s from %s", step.ServerID, step.LoadBalancerID)
	}
	return ""
}

func (e *Executor) publish(typ events.EventType, task *types.ConvergenceTask, step *types.Step, msg string) {
	if e.broker == nil {
		return
	}
	event := &events.Event{
		ID:      uuid.New().String(),
		Type:    typ,
		GroupID: task.GroupID,
		TaskID:  task.ID,
		NodeID:  task.NodeID,
		Message: msg,
	}
	if step != nil {
		event.StepID = step.ID
	}
	e.broker.Publish(event)
}
