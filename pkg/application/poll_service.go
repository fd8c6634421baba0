package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/foreman/pkg/domain/pipeline"
	"github.com/felixgeelhaar/foreman/pkg/domain/tracker"
	"github.com/felixgeelhaar/foreman/pkg/domain/workflow"
)

// DefaultPollInterval is the gap between scheduled ticks.
const DefaultPollInterval = 60 * time.Second

// DefaultItemConcurrency bounds the per-item fan-out within one tick,
// keeping the engine inside the tracker's rate limit.
const DefaultItemConcurrency = 4

// PollStatus is the introspection snapshot exposed to callers.
type PollStatus struct {
	Running  bool
	LastTick time.Time
	LastErr  string
}

// PollService is the top-level scheduler. A single timer drives sequential
// ticks; within a tick, items are processed concurrently under a bound,
// each item's steps strictly ordered. The recovery sweep runs once per
// tick after every item task has joined.
type PollService struct {
	tracker      tracker.Client
	config       workflow.Store
	states       *pipeline.Store
	orchestrator *OrchestratorService
	completion   *CompletionService
	recovery     *RecoveryService
	logger       *slog.Logger

	interval    time.Duration
	concurrency int

	mu       sync.Mutex
	running  bool
	lastTick time.Time
	lastErr  error
	inflight map[int]struct{}
}

func NewPollService(tc tracker.Client, cfg workflow.Store, states *pipeline.Store, orchestrator *OrchestratorService, completion *CompletionService, recovery *RecoveryService, logger *slog.Logger) *PollService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollService{
		tracker:      tc,
		config:       cfg,
		states:       states,
		orchestrator: orchestrator,
		completion:   completion,
		recovery:     recovery,
		logger:       logger,
		interval:     DefaultPollInterval,
		concurrency:  DefaultItemConcurrency,
		inflight:     make(map[int]struct{}),
	}
}

// SetInterval overrides the tick interval.
func (s *PollService) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// SetConcurrency overrides the per-tick item fan-out bound.
func (s *PollService) SetConcurrency(n int) {
	if n > 0 {
		s.concurrency = n
	}
}

// Run drives the polling loop until the context is cancelled. The first
// tick fires immediately. In-flight tracker calls are allowed to finish on
// cancellation so the pending-assignment guard stays consistent.
func (s *PollService) Run(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full poll cycle: fan out per-item processing, join, then
// the recovery sweep. A tick-level failure (tracker listing unreachable)
// aborts this tick only; the loop resumes on schedule.
func (s *PollService) Tick(ctx context.Context) {
	items, err := s.tracker.ListOpenItems(ctx)
	if err != nil {
		s.recordTick(fmt.Errorf("list open items: %w", err))
		s.logger.Error("tick aborted", "error", err)
		return
	}
	cfg, err := s.config.Load(ctx)
	if err != nil {
		s.recordTick(fmt.Errorf("load workflow configuration: %w", err))
		s.logger.Error("tick aborted", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(s.concurrency)
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		item := &items[i]
		if !s.markInflight(item.ID) {
			// Still being processed by a previous tick; skip rather
			// than queue duplicate work.
			continue
		}
		g.Go(func() error {
			defer s.clearInflight(item.ID)
			if err := s.processItem(gctx, item, cfg); err != nil {
				s.logItemError(item, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() == nil {
		s.recovery.Sweep(ctx, items)
	}
	s.recordTick(nil)
}

// processItem executes one item's steps in fixed order: reconstruct or
// resync state, check the active agent for completion and advance, or
// assign work for the item's current stage.
func (s *PollService) processItem(ctx context.Context, item *tracker.Item, cfg *workflow.Configuration) error {
	unlock := s.states.Lock(item.ID)
	defer unlock()

	st, ok := s.states.Get(item.ID)
	if !ok {
		subs, err := s.tracker.ListSubItems(ctx, item.ID)
		if err != nil {
			return &pipeline.TransientError{Op: "list sub-items", Err: err}
		}
		if err := pipeline.CheckTable(item.ID, item.Body); err != nil {
			s.logger.Warn("tracking table unreadable, starting from empty state", "item", item.ID, "error", err)
		}
		st = pipeline.Reconstruct(item, subs)
		st.Terminal = cfg.IsTerminal(st.Stage)
		s.states.Put(st)
	}

	// The externally observed stage is ground truth; reverting could
	// re-trigger an agent that already started.
	if !workflow.EqualStage(st.Stage, item.Stage) {
		s.logger.Info("resyncing to external stage", "item", item.ID, "from", st.Stage, "to", item.Stage)
		st.Resync(item.Stage)
		st.Terminal = cfg.IsTerminal(item.Stage)
		s.states.Put(st)
	}

	if st.Terminal || cfg.IsTerminal(st.Stage) {
		return nil
	}

	// The main branch record feeds every merge and the terminal handoff,
	// so resolve it as soon as the primary pull request shows up.
	if err := s.completion.DiscoverMainBranch(ctx, item, st); err != nil {
		return err
	}

	if st.CurrentAgent != "" {
		return s.advanceActive(ctx, item, st, cfg)
	}

	// No active agent: the stage's next agent starts here. A stage with
	// an internal sub-pipeline stays in place until its last sub-step.
	allDone, err := s.orchestrator.HandleReadyStatus(ctx, item)
	if err != nil || !allDone || len(st.CompletedAgents) == 0 {
		return err
	}
	last := st.CompletedAgents[len(st.CompletedAgents)-1]
	if s.isFinalAgent(cfg, st.Stage, last) {
		// Completed before the terminal handoff ran (e.g. a restart in
		// between); finish the handoff now.
		pr, err := s.completion.LinkedPullRequest(ctx, st, last)
		if err != nil {
			return err
		}
		return s.orchestrator.FinalizeItem(ctx, item, pr)
	}
	return s.orchestrator.TransitionAfterStageComplete(ctx, item, last)
}

// advanceActive checks the active agent for completion and, when done,
// runs the merge/post/close sequence followed by the stage transition or
// the terminal handoff.
func (s *PollService) advanceActive(ctx context.Context, item *tracker.Item, st *pipeline.State, cfg *workflow.Configuration) error {
	agent := st.CurrentAgent
	final := s.isFinalAgent(cfg, st.Stage, agent)

	done, err := s.completion.Detect(ctx, st, agent, final)
	if err != nil || !done {
		return err
	}

	if err := s.completion.CompleteAgent(ctx, item, st, agent); err != nil {
		return err
	}
	if final {
		// Re-resolve the pull request after completion so the handoff
		// sees the post-merge state and does not merge twice.
		pr, err := s.completion.LinkedPullRequest(ctx, st, agent)
		if err != nil {
			return err
		}
		return s.orchestrator.FinalizeItem(ctx, item, pr)
	}
	return s.orchestrator.TransitionAfterStageComplete(ctx, item, agent)
}

// isFinalAgent reports whether the agent is the last configured agent of
// the last working stage, i.e. the one whose completion triggers the
// terminal handoff.
func (s *PollService) isFinalAgent(cfg *workflow.Configuration, stage, agent string) bool {
	next, ok := cfg.StageAfter(stage)
	if !ok || !cfg.IsTerminal(next) {
		return false
	}
	agents := cfg.AgentsFor(stage)
	return len(agents) > 0 && agents[len(agents)-1] == agent
}

// ForceTick runs a single tick immediately, outside the schedule.
func (s *PollService) ForceTick(ctx context.Context) {
	s.Tick(ctx)
}

// Status returns the loop's introspection snapshot.
func (s *PollService) Status() PollStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := PollStatus{Running: s.running, LastTick: s.lastTick}
	if s.lastErr != nil {
		status.LastErr = s.lastErr.Error()
	}
	return status
}

func (s *PollService) logItemError(item *tracker.Item, err error) {
	var conflict *pipeline.ConflictError
	var terminal *pipeline.TerminalError
	switch {
	case errors.As(err, &conflict):
		s.logger.Warn("assignment conflict", "item", item.ID, "stage", item.Stage, "error", err)
	case errors.As(err, &terminal):
		s.logger.Error("pipeline held for manual intervention", "item", item.ID, "stage", item.Stage, "error", err)
	case pipeline.IsTransient(err):
		s.logger.Warn("transient item failure, retrying next tick", "item", item.ID, "stage", item.Stage, "error", err)
	default:
		s.logger.Error("item processing failed", "item", item.ID, "stage", item.Stage, "error", err)
	}
}

func (s *PollService) markInflight(itemID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[itemID]; busy {
		return false
	}
	s.inflight[itemID] = struct{}{}
	return true
}

func (s *PollService) clearInflight(itemID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, itemID)
}

func (s *PollService) setRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
}

func (s *PollService) recordTick(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTick = time.Now()
	s.lastErr = err
}
