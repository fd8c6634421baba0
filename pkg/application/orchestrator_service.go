package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/felixgeelhaar/foreman/pkg/domain/events"
	"github.com/felixgeelhaar/foreman/pkg/domain/pipeline"
	"github.com/felixgeelhaar/foreman/pkg/domain/tracker"
	"github.com/felixgeelhaar/foreman/pkg/domain/workflow"
)

// OrchestratorService decides which agent works next on an item, issues the
// assignment through the tracker, and moves the item across stages once a
// stage's agents are all done.
type OrchestratorService struct {
	tracker  tracker.Client
	config   workflow.Store
	states   *pipeline.Store
	guard    *pipeline.Guard
	notifier events.Notifier
	logger   *slog.Logger
	backoff  retry.Config
}

func NewOrchestratorService(tc tracker.Client, cfg workflow.Store, states *pipeline.Store, guard *pipeline.Guard, notifier events.Notifier, logger *slog.Logger) *OrchestratorService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = events.LogNotifier{Logger: logger}
	}
	return &OrchestratorService{
		tracker:  tc,
		config:   cfg,
		states:   states,
		guard:    guard,
		notifier: notifier,
		logger:   logger,
		backoff: retry.Config{
			// Three retries after the first failure, waiting 3s, 6s, 12s.
			MaxAttempts:   4,
			InitialDelay:  3 * time.Second,
			BackoffPolicy: retry.BackoffExponential,
		},
	}
}

// SetBackoff overrides the assignment retry schedule. Tests shrink it.
func (s *OrchestratorService) SetBackoff(cfg retry.Config) {
	s.backoff = cfg
}

// AssignAgentForStatus assigns the first un-started agent configured for
// the stage. Completed agents are skipped; a pending-guarded agent means
// another assignment is in flight, which is logged and left alone. In a
// multi-agent stage the remaining agents wait their turn.
func (s *OrchestratorService) AssignAgentForStatus(ctx context.Context, item *tracker.Item, stage string) error {
	cfg, err := s.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load workflow configuration: %w", err)
	}
	agents := cfg.AgentsFor(stage)
	if agents == nil {
		if cfg.IsTerminal(stage) {
			return nil
		}
		return &pipeline.ConfigurationError{Stage: stage, Detail: "no agents configured"}
	}

	st := s.ensureState(item)
	for _, agent := range agents {
		if st.Completed(agent) {
			continue
		}
		err := s.assign(ctx, item, st, cfg, agent)
		var conflict *pipeline.ConflictError
		if errors.As(err, &conflict) {
			s.logger.Warn("skipping assignment", "item", item.ID, "agent", agent, "reason", conflict.Reason)
			return nil
		}
		return err
	}
	return nil
}

// assign marks the agent active in the tracking table, then issues the
// external assignment under the pending guard with exponential backoff.
// The guard is taken before the first external call and released only once
// the assignment terminally succeeds or fails.
func (s *OrchestratorService) assign(ctx context.Context, item *tracker.Item, st *pipeline.State, cfg *workflow.Configuration, agent string) error {
	if !s.guard.TryAcquire(item.ID, agent) {
		return &pipeline.ConflictError{ItemID: item.ID, Agent: agent, Reason: "assignment already pending"}
	}
	defer s.guard.Release(item.ID, agent)

	if err := s.markActive(ctx, item, st, cfg, agent); err != nil {
		return err
	}

	target := st.SubItemFor(agent)
	retryer := retry.New[struct{}](s.backoff)
	_, err := retryer.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.tracker.AssignActor(ctx, target, agent)
	})
	if err != nil {
		s.notifier.Notify(ctx, events.LevelError, events.New(events.TypePipelineFailed, item.ID, st.Stage, agent,
			fmt.Sprintf("assignment failed after retries: %v", err)))
		return &pipeline.TerminalError{ItemID: item.ID, Agent: agent, Err: err}
	}

	st.CurrentAgent = agent
	st.LastProgress = time.Now()
	s.states.Put(st)
	s.logger.Info("agent assigned", "item", item.ID, "agent", agent, "stage", st.Stage)
	s.notifier.Notify(ctx, events.LevelInfo, events.New(events.TypeAgentAssigned, item.ID, st.Stage, agent, "agent assigned"))
	return nil
}

// markActive rewrites the tracking table with the agent active before the
// external assignment call, so a crash between the two leaves a durable
// record the recovery sweep can act on.
func (s *OrchestratorService) markActive(ctx context.Context, item *tracker.Item, st *pipeline.State, cfg *workflow.Configuration, agent string) error {
	t := pipeline.Parse(item.Body)
	if len(t.Entries) == 0 {
		t.Entries = pipeline.BuildEntries(cfg.AllAgents())
		for _, done := range st.CompletedAgents {
			t.Entries = pipeline.MarkDone(t.Entries, done)
		}
	}
	t.Entries = pipeline.MarkActive(t.Entries, agent)
	t.Main = st.MainBranch

	body := pipeline.Upsert(item.Body, t)
	if body == item.Body {
		return nil
	}
	if err := s.tracker.UpdateItemBody(ctx, item.ID, body); err != nil {
		return &pipeline.TransientError{Op: "update tracking table", Err: err}
	}
	item.Body = body
	return nil
}

// HandleReadyStatus advances a stage that carries an internal sequential
// sub-pipeline: the next unfinished agent is assigned without changing the
// external stage. It reports whether every configured sub-step is done.
func (s *OrchestratorService) HandleReadyStatus(ctx context.Context, item *tracker.Item) (bool, error) {
	cfg, err := s.config.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load workflow configuration: %w", err)
	}
	st := s.ensureState(item)
	for _, agent := range cfg.AgentsFor(st.Stage) {
		if !st.Completed(agent) {
			if st.CurrentAgent == agent {
				return false, nil
			}
			return false, s.AssignAgentForStatus(ctx, item, st.Stage)
		}
	}
	return true, nil
}

// CreateAllSubIssues eagerly creates one sub-item per configured agent
// across every stage, so completion-marker targets exist before any agent
// needs them. Existing sub-items are adopted by their [agent] title prefix.
// The initial tracking table is written in the same pass.
func (s *OrchestratorService) CreateAllSubIssues(ctx context.Context, item *tracker.Item) error {
	cfg, err := s.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load workflow configuration: %w", err)
	}
	st := s.ensureState(item)

	existing, err := s.tracker.ListSubItems(ctx, item.ID)
	if err != nil {
		return &pipeline.TransientError{Op: "list sub-items", Err: err}
	}
	for _, sub := range existing {
		if agent := pipeline.AgentFromTitle(sub.Title); agent != "" {
			st.SubItems[agent] = sub.ID
		}
	}

	for _, agent := range cfg.AllAgents() {
		if _, ok := st.SubItems[agent]; ok {
			continue
		}
		title := pipeline.SubItemTitle(agent, item.Title)
		body := fmt.Sprintf("Workspace for the `%s` agent on #%d.", agent, item.ID)
		id, err := s.tracker.CreateSubItem(ctx, item.ID, title, body)
		if err != nil {
			return &pipeline.TransientError{Op: "create sub-item", Err: err}
		}
		st.SubItems[agent] = id
	}
	s.states.Put(st)

	t := pipeline.Parse(item.Body)
	if len(t.Entries) == 0 {
		t.Entries = pipeline.BuildEntries(cfg.AllAgents())
		t.Main = st.MainBranch
		body := pipeline.Upsert(item.Body, t)
		if err := s.tracker.UpdateItemBody(ctx, item.ID, body); err != nil {
			return &pipeline.TransientError{Op: "write tracking table", Err: err}
		}
		item.Body = body
	}
	return nil
}

// TransitionAfterStageComplete runs after an agent finishes: if the current
// stage still has unfinished agents the next one is assigned in place;
// otherwise the item moves forward to the next configured stage and that
// stage's first agent starts.
func (s *OrchestratorService) TransitionAfterStageComplete(ctx context.Context, item *tracker.Item, finishedAgent string) error {
	cfg, err := s.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load workflow configuration: %w", err)
	}
	st := s.ensureState(item)
	st.MarkCompleted(finishedAgent)
	s.states.Put(st)

	for _, agent := range cfg.AgentsFor(st.Stage) {
		if !st.Completed(agent) {
			return s.AssignAgentForStatus(ctx, item, st.Stage)
		}
	}

	next, ok := cfg.StageAfter(st.Stage)
	if !ok {
		return nil
	}
	if err := s.advanceStage(ctx, item, st, next); err != nil {
		return err
	}
	if cfg.IsTerminal(next) {
		st.Terminal = true
		s.states.Put(st)
		s.notifier.Notify(ctx, events.LevelInfo, events.New(events.TypePipelineCompleted, item.ID, next, "", "pipeline reached terminal stage"))
		return nil
	}
	return s.AssignAgentForStatus(ctx, item, next)
}

// FinalizeItem is the terminal handoff: merge the last agent's pull
// request, delete its feature branch, flip the item's primary pull request
// out of draft, move the item to the review stage and request a review
// from the configured reviewer.
func (s *OrchestratorService) FinalizeItem(ctx context.Context, item *tracker.Item, agentPR *tracker.PullRequest) error {
	cfg, err := s.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load workflow configuration: %w", err)
	}
	st := s.ensureState(item)

	if agentPR != nil && !agentPR.Merged {
		if err := s.tracker.MergePullRequest(ctx, agentPR.ID); err != nil {
			return &pipeline.TransientError{Op: "merge final branch", Err: err}
		}
		if err := s.tracker.DeleteBranch(ctx, agentPR.HeadRef); err != nil {
			s.logger.Warn("delete branch failed", "item", item.ID, "branch", agentPR.HeadRef, "error", err)
		}
	}

	if st.MainBranch != nil && st.MainBranch.PullRequestID != 0 {
		if err := s.tracker.MarkPullRequestReady(ctx, st.MainBranch.PullRequestID); err != nil {
			return &pipeline.TransientError{Op: "mark pull request ready", Err: err}
		}
		if cfg.Reviewer != "" {
			if err := s.tracker.RequestReview(ctx, st.MainBranch.PullRequestID, cfg.Reviewer); err != nil {
				s.logger.Warn("review request failed", "item", item.ID, "reviewer", cfg.Reviewer, "error", err)
			}
		}
	}

	terminal := cfg.Terminal()
	if err := s.advanceStage(ctx, item, st, terminal); err != nil {
		return err
	}
	st.Terminal = true
	s.states.Put(st)
	s.notifier.Notify(ctx, events.LevelInfo, events.New(events.TypePipelineCompleted, item.ID, terminal, "", "pipeline complete, review requested"))
	return nil
}

// advanceStage validates the move against the forward-only stage machine
// and writes the new stage to the tracker before mutating local state.
func (s *OrchestratorService) advanceStage(ctx context.Context, item *tracker.Item, st *pipeline.State, next string) error {
	machine, err := pipeline.NewStageMachine(st.Stage)
	if err != nil {
		return err
	}
	if err := machine.Advance(); err != nil {
		return &pipeline.ConfigurationError{Stage: st.Stage, Detail: err.Error()}
	}
	if !workflow.EqualStage(machine.Current(), next) {
		return &pipeline.ConfigurationError{Stage: next, Detail: fmt.Sprintf("stage order expects %q after %q", machine.Current(), st.Stage)}
	}
	if err := s.tracker.UpdateItemStage(ctx, item.ID, next); err != nil {
		return &pipeline.TransientError{Op: "update item stage", Err: err}
	}
	st.Stage = next
	st.LastProgress = time.Now()
	item.Stage = next
	s.states.Put(st)
	s.logger.Info("stage advanced", "item", item.ID, "stage", next)
	s.notifier.Notify(ctx, events.LevelInfo, events.New(events.TypeStageAdvanced, item.ID, next, "", "stage advanced"))
	return nil
}

func (s *OrchestratorService) ensureState(item *tracker.Item) *pipeline.State {
	if st, ok := s.states.Get(item.ID); ok {
		return st
	}
	st := &pipeline.State{
		ItemID:   item.ID,
		Stage:    item.Stage,
		SubItems: make(map[string]int),
	}
	s.states.Put(st)
	return st
}
