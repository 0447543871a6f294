package selfheal

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/surgehq/surge/pkg/log"
	"github.com/surgehq/surge/pkg/metrics"
	"github.com/surgehq/surge/pkg/policy"
	"github.com/surgehq/surge/pkg/storage"
	"github.com/surgehq/surge/pkg/types"
)

// GroupLister reports the groups a scheduler instance is responsible
// for. The convergence node implements it with its held leases.
type GroupLister interface {
	OwnedGroups() []string
}

// Scheduler periodically enqueues a convergence pass for every owned
// group, so drift is corrected even when no policy fires. Enqueues
// coalesce: a group already running a task gets no second one.
type Scheduler struct {
	store     storage.Store
	evaluator *policy.Evaluator
	groups    GroupLister
	interval  time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
}

// NewScheduler creates a self-heal scheduler ticking at the given
// interval.
func NewScheduler(store storage.Store, evaluator *policy.Evaluator, groups GroupLister, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:     store,
		evaluator: evaluator,
		groups:    groups,
		interval:  interval,
		logger:    log.WithComponent("selfheal"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Pass(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Pass runs one self-heal sweep over the owned groups. Disabled and
// paused groups are skipped; everything else gets a convergence task
// unless one is already in flight.
func (s *Scheduler) Pass(ctx context.Context) {
	metrics.SelfHealPasses.Inc()

	for _, groupID := range s.groups.OwnedGroups() {
		group, err := s.store.GetGroup(groupID)
		if err != nil {
			s.logger.Warn().Err(err).Str("group_id", groupID).Msg("failed to read group")
			continue
		}
		if group.Status == types.GroupStatusDisabled || group.Paused {
			continue
		}

		task, err := s.evaluator.Enqueue(ctx, group)
		if err != nil {
			s.logger.Warn().Err(err).Str("group_id", groupID).Msg("failed to enqueue convergence")
			continue
		}
		s.logger.Debug().
			Str("group_id", groupID).
			Str("task_id", task.ID).
			Msg("self-heal pass enqueued")
	}
}
