package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surgehq/surge/pkg/events"
	"github.com/surgehq/surge/pkg/executor"
	"github.com/surgehq/surge/pkg/lease"
	"github.com/surgehq/surge/pkg/log"
	"github.com/surgehq/surge/pkg/metrics"
	"github.com/surgehq/surge/pkg/planner"
	"github.com/surgehq/surge/pkg/provider"
	"github.com/surgehq/surge/pkg/storage"
	"github.com/surgehq/surge/pkg/types"
)

// Config holds the per-node convergence settings.
type Config struct {
	NodeID string

	// LeaseTTL is the ownership grant duration; RenewInterval should be
	// well under it (a third is the usual choice).
	LeaseTTL      time.Duration
	RenewInterval time.Duration

	// MaxConcurrent caps how many groups this node converges at once.
	MaxConcurrent int

	// PollInterval is how often the node scans for claimable groups and
	// runnable tasks.
	PollInterval time.Duration

	// StoreBackoff is how long the node sits out after the persistence
	// store becomes unreachable. The node never operates on cached
	// state.
	StoreBackoff time.Duration

	// PendingDeadline is the planner's build timeout for BUILDING
	// servers.
	PendingDeadline time.Duration

	Executor executor.Config
}

// DefaultConfig returns the node defaults.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:          nodeID,
		LeaseTTL:        30 * time.Second,
		RenewInterval:   10 * time.Second,
		MaxConcurrent:   8,
		PollInterval:    2 * time.Second,
		StoreBackoff:    5 * time.Second,
		PendingDeadline: time.Hour,
		Executor:        executor.DefaultConfig(),
	}
}

// Node is one convergence worker. It claims group leases, keeps them
// renewed, and runs convergence tasks for the groups it owns, up to the
// per-node concurrency cap.
type Node struct {
	cfg     Config
	store   storage.Store
	cloud   provider.Provider
	leases  lease.Service
	broker  *events.Broker
	planner *planner.Planner
	exec    *executor.Executor
	logger  zerolog.Logger

	mu         sync.Mutex
	owned      map[string]*lease.Lease
	converging map[string]bool
	sem        chan struct{}
}

// New creates a convergence node.
func New(cfg Config, store storage.Store, cloud provider.Provider, leases lease.Service, broker *events.Broker) *Node {
	return &Node{
		cfg:        cfg,
		store:      store,
		cloud:      cloud,
		leases:     leases,
		broker:     broker,
		planner:    planner.New(cfg.PendingDeadline),
		exec:       executor.New(store, cloud, leases, broker, cfg.Executor),
		logger:     log.WithComponent("node").With().Str("node_id", cfg.NodeID).Logger(),
		owned:      make(map[string]*lease.Lease),
		converging: make(map[string]bool),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Run drives the node until ctx is cancelled: a renewal heartbeat, a
// rebalance watcher, and the main scan loop. All leases are released on
// the way out.
func (n *Node) Run(ctx context.Context) error {
	go n.renewLoop(ctx)
	go n.watchLoop(ctx)
	go n.eventLoop(ctx)

	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := n.scan(ctx); err != nil {
				n.logger.Error().Err(err).Msg("store unavailable, backing off")
				metrics.LeasesHeld.Set(float64(n.ownedCount()))
				select {
				case <-time.After(n.cfg.StoreBackoff):
				case <-ctx.Done():
					return n.shutdown()
				}
			}
		case <-ctx.Done():
			return n.shutdown()
		}
	}
}

func (n *Node) shutdown() error {
	n.mu.Lock()
	leases := make([]*lease.Lease, 0, len(n.owned))
	for _, l := range n.owned {
		leases = append(leases, l)
	}
	n.owned = make(map[string]*lease.Lease)
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, l := range leases {
		_ = n.leases.Release(ctx, l.Token)
	}
	return nil
}

// scan is one pass of the main loop: claim ownership of unclaimed groups
// and start convergence for owned groups with runnable tasks. It also
// refreshes the fleet-wide group and server gauges, counting groups the
// convergence pass skips.
func (n *Node) scan(ctx context.Context) error {
	groups, err := n.store.ListGroups()
	if err != nil {
		return err
	}

	groupCounts := make(map[string]int)
	serverCounts := make(map[string]int)
	for _, group := range groups {
		groupCounts[string(group.Status)]++
		servers, err := n.store.ListServersByGroup(group.ID)
		if err != nil {
			return err
		}
		for _, s := range servers {
			serverCounts[string(s.Status)]++
		}

		if group.Status == types.GroupStatusDisabled || group.Paused {
			continue
		}

		l := n.ensureLease(ctx, group.ID)
		if l == nil {
			continue
		}

		task, err := n.store.ActiveTaskForGroup(group.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}

		n.maybeConverge(ctx, group.ID, task.ID, l)
	}

	metrics.GroupsTotal.Reset()
	for status, count := range groupCounts {
		metrics.GroupsTotal.WithLabelValues(status).Set(float64(count))
	}
	metrics.ServersTotal.Reset()
	for status, count := range serverCounts {
		metrics.ServersTotal.WithLabelValues(status).Set(float64(count))
	}
	metrics.LeasesHeld.Set(float64(n.ownedCount()))
	return nil
}

// ensureLease returns this node's valid lease for the group, acquiring
// one if possible. Returns nil while another node owns the group.
func (n *Node) ensureLease(ctx context.Context, groupID string) *lease.Lease {
	n.mu.Lock()
	l := n.owned[groupID]
	n.mu.Unlock()
	if l != nil {
		return l
	}

	l, err := n.leases.Acquire(ctx, groupID, n.cfg.NodeID, n.cfg.LeaseTTL)
	if err != nil {
		if !errors.Is(err, lease.ErrLeaseHeld) {
			n.logger.Warn().Err(err).Str("group_id", groupID).Msg("lease acquire failed")
		}
		return nil
	}

	n.mu.Lock()
	n.owned[groupID] = l
	n.mu.Unlock()

	n.logger.Info().Str("group_id", groupID).Uint64("lease_version", l.Version).Msg("lease acquired")
	n.broker.Publish(&events.Event{
		Type:    events.EventLeaseAcquired,
		GroupID: groupID,
		NodeID:  n.cfg.NodeID,
	})
	return l
}

// maybeConverge starts a convergence pass for the group if one is not
// already running on this node and the per-node cap allows it.
func (n *Node) maybeConverge(ctx context.Context, groupID, taskID string, l *lease.Lease) {
	n.mu.Lock()
	if n.converging[groupID] {
		n.mu.Unlock()
		return
	}
	select {
	case n.sem <- struct{}{}:
	default:
		n.mu.Unlock()
		return
	}
	n.converging[groupID] = true
	n.mu.Unlock()

	go func() {
		defer func() {
			n.mu.Lock()
			delete(n.converging, groupID)
			n.mu.Unlock()
			<-n.sem
		}()
		if err := n.converge(ctx, groupID, taskID, l); err != nil {
			if executor.Aborted(err) {
				n.logger.Info().Err(err).Str("group_id", groupID).Msg("convergence aborted")
				return
			}
			n.logger.Error().Err(err).Str("group_id", groupID).Msg("convergence failed")
		}
	}()
}

// converge executes one convergence pass: adopt the task under this
// node's lease, refresh observed state from the provider, plan from the
// refreshed state, and execute. Planning from fresh state makes the pass
// idempotent: effects committed by a previous, interrupted owner are
// visible in observed state and are not repeated.
func (n *Node) converge(ctx context.Context, groupID, taskID string, l *lease.Lease) error {
	metrics.ConvergenceCyclesTotal.Inc()

	group, err := n.store.GetGroup(groupID)
	if err != nil {
		return err
	}
	task, err := n.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	// Adopt the task: bind it to this node and lease, and move it to
	// the group's current generation so a pending capacity change is
	// picked up rather than aborted against.
	task.NodeID = n.cfg.NodeID
	task.LeaseToken = l.Token
	if task.Generation < group.Generation {
		task.Generation = group.Generation
	}

	if err := n.refreshObserved(ctx, group); err != nil {
		return err
	}

	launchCfg, err := n.store.GetLaunchConfig(group.LaunchConfigID)
	if err != nil {
		return err
	}
	servers, err := n.store.ListServersByGroup(group.ID)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer()
	steps := n.planner.Plan(group, launchCfg, servers)
	timer.ObserveDuration(metrics.PlanDuration)
	metrics.PlanSteps.Observe(float64(len(steps)))

	task.Steps = steps

	if len(steps) == 0 {
		task.Status = types.TaskStatusSucceeded
		task.FinishedAt = time.Now()
		if err := n.store.UpdateTask(task); err != nil {
			return err
		}
		n.logger.Debug().Str("group_id", group.ID).Msg("already converged")
		return n.finalizeDeletion(group)
	}

	if err := n.store.UpdateTask(task); err != nil {
		return err
	}

	if err := n.exec.Execute(ctx, task); err != nil {
		return err
	}
	return n.finalizeDeletion(group)
}

// refreshObserved reconciles stored ServerState rows against the
// provider's view: statuses are updated, unknown servers recorded, and
// rows for servers deleted out of band removed. Load-balancer memberships
// are owned by executor commits and are preserved.
func (n *Node) refreshObserved(ctx context.Context, group *types.ScalingGroup) error {
	observed, err := n.cloud.ListServers(ctx, group.ID)
	if err != nil {
		return err
	}

	stored, err := n.store.ListServersByGroup(group.ID)
	if err != nil {
		return err
	}
	byID := make(map[string]*types.ServerState, len(stored))
	for _, s := range stored {
		byID[s.ID] = s
	}

	seen := make(map[string]bool, len(observed))
	for _, o := range observed {
		seen[o.ID] = true
		row := byID[o.ID]
		if row == nil {
			row = &types.ServerState{
				ID:        o.ID,
				GroupID:   group.ID,
				CreatedAt: o.CreatedAt,
			}
		}
		if row.Status == o.Status && byID[o.ID] != nil {
			continue
		}
		row.Status = o.Status
		if err := n.store.PutServerState(row); err != nil {
			return err
		}
	}

	for _, s := range stored {
		if !seen[s.ID] {
			if err := n.store.DeleteServerState(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// finalizeDeletion removes a DELETING group once it has converged to
// zero servers.
func (n *Node) finalizeDeletion(group *types.ScalingGroup) error {
	if group.Status != types.GroupStatusDeleting {
		return nil
	}
	servers, err := n.store.ListServersByGroup(group.ID)
	if err != nil {
		return err
	}
	if len(servers) > 0 {
		return nil
	}
	n.logger.Info().Str("group_id", group.ID).Msg("group deletion finalized")
	return n.store.DeleteGroup(group.ID, true)
}

// renewLoop heartbeats every owned lease. A lease that cannot be renewed
// is dropped immediately; any in-flight task for that group stops
// committing on its next lease validation.
func (n *Node) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.mu.Lock()
			leases := make([]*lease.Lease, 0, len(n.owned))
			for _, l := range n.owned {
				leases = append(leases, l)
			}
			n.mu.Unlock()

			for _, l := range leases {
				renewed, err := n.leases.Renew(ctx, l.Token)
				if err != nil {
					n.dropLease(l.GroupID)
					continue
				}
				n.mu.Lock()
				n.owned[l.GroupID] = renewed
				n.mu.Unlock()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) dropLease(groupID string) {
	n.mu.Lock()
	_, had := n.owned[groupID]
	delete(n.owned, groupID)
	n.mu.Unlock()

	if had {
		n.logger.Warn().Str("group_id", groupID).Msg("lease lost")
		n.broker.Publish(&events.Event{
			Type:    events.EventLeaseLost,
			GroupID: groupID,
			NodeID:  n.cfg.NodeID,
		})
	}
}

// watchLoop consumes rebalance events. Expirations of other nodes' leases
// make groups claimable; the next scan pass picks them up, so the watch
// only needs to keep local bookkeeping honest.
func (n *Node) watchLoop(ctx context.Context) {
	ch, err := n.leases.Watch(ctx)
	if err != nil {
		n.logger.Warn().Err(err).Msg("lease watch unavailable")
		return
	}
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.NodeID == n.cfg.NodeID && (e.Type == lease.EventExpired || e.Type == lease.EventReleased) {
				n.dropLease(e.GroupID)
			}
		case <-ctx.Done():
			return
		}
	}
}

// eventLoop writes the convergence lifecycle to the log. Failures log at
// warn so operators see them without raising verbosity.
func (n *Node) eventLoop(ctx context.Context) {
	sub := n.broker.Subscribe()
	defer n.broker.Unsubscribe(sub)

	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			entry := n.logger.Debug()
			if e.Type == events.EventTaskFailed || e.Type == events.EventStepFailed || e.Type == events.EventLeaseLost {
				entry = n.logger.Warn()
			}
			entry.
				Str("event", string(e.Type)).
				Str("group_id", e.GroupID).
				Str("task_id", e.TaskID).
				Str("message", e.Message).
				Msg("lifecycle event")
		case <-ctx.Done():
			return
		}
	}
}

// OwnedGroups returns the ids of groups this node currently holds leases
// for. The self-heal scheduler enumerates these.
func (n *Node) OwnedGroups() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.owned))
	for groupID := range n.owned {
		out = append(out, groupID)
	}
	return out
}

func (n *Node) ownedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.owned)
}
