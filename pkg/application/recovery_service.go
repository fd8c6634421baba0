package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/foreman/pkg/domain/events"
	"github.com/felixgeelhaar/foreman/pkg/domain/pipeline"
	"github.com/felixgeelhaar/foreman/pkg/domain/tracker"
)

// DefaultStallThreshold is how long an item may sit without progress
// before the recovery sweep considers its active agent stalled.
const DefaultStallThreshold = 10 * time.Minute

// RecoveryService re-triggers assignment for items whose tracking table
// shows an active agent but where nothing is in flight and nothing has
// moved. Attempts are rate-limited per item through a cooldown so a flaky
// tracker cannot cause a re-assignment storm.
type RecoveryService struct {
	states       *pipeline.Store
	guard        *pipeline.Guard
	cooldown     *pipeline.Cooldown
	orchestrator *OrchestratorService
	notifier     events.Notifier
	logger       *slog.Logger
	stallAfter   time.Duration
	now          func() time.Time
}

func NewRecoveryService(states *pipeline.Store, guard *pipeline.Guard, cooldown *pipeline.Cooldown, orchestrator *OrchestratorService, notifier events.Notifier, logger *slog.Logger) *RecoveryService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = events.LogNotifier{Logger: logger}
	}
	return &RecoveryService{
		states:       states,
		guard:        guard,
		cooldown:     cooldown,
		orchestrator: orchestrator,
		notifier:     notifier,
		logger:       logger,
		stallAfter:   DefaultStallThreshold,
		now:          time.Now,
	}
}

// SetStallThreshold overrides the stall window. Tests shrink it.
func (s *RecoveryService) SetStallThreshold(d time.Duration) { s.stallAfter = d }

// Sweep runs once per poll tick, after all per-item tasks have joined.
// Failures are logged per item and never abort the sweep.
func (s *RecoveryService) Sweep(ctx context.Context, items []tracker.Item) {
	for i := range items {
		if ctx.Err() != nil {
			return
		}
		item := &items[i]
		st, ok := s.states.Get(item.ID)
		if !ok || st.Terminal || st.CurrentAgent == "" {
			continue
		}
		if s.guard.HeldForItem(item.ID) {
			continue
		}
		if s.now().Sub(st.LastProgress) < s.stallAfter {
			continue
		}
		if !s.cooldown.Allow(item.ID) {
			continue
		}

		agent := st.CurrentAgent
		s.logger.Warn("recovering stalled agent", "item", item.ID, "agent", agent, "stage", st.Stage)
		s.notifier.Notify(ctx, events.LevelWarning, events.New(events.TypeRecoveryTriggered, item.ID, st.Stage, agent, "re-assigning stalled agent"))

		unlock := s.states.Lock(item.ID)
		err := s.orchestrator.AssignAgentForStatus(ctx, item, st.Stage)
		unlock()
		if err != nil {
			s.logger.Error("recovery assignment failed", "item", item.ID, "agent", agent, "error", err)
		}
	}
}
