package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/foreman/pkg/domain/events"
	"github.com/felixgeelhaar/foreman/pkg/domain/pipeline"
	"github.com/felixgeelhaar/foreman/pkg/domain/tracker"
	"github.com/felixgeelhaar/foreman/pkg/domain/workflow"
)

// PipelineService is the caller-facing surface: starting a pipeline on an
// item, reading its state, and rebuilding all state after a restart.
type PipelineService struct {
	tracker      tracker.Client
	config       workflow.Store
	states       *pipeline.Store
	orchestrator *OrchestratorService
	notifier     events.Notifier
	logger       *slog.Logger
}

func NewPipelineService(tc tracker.Client, cfg workflow.Store, states *pipeline.Store, orchestrator *OrchestratorService, notifier events.Notifier, logger *slog.Logger) *PipelineService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = events.LogNotifier{Logger: logger}
	}
	return &PipelineService{
		tracker:      tc,
		config:       cfg,
		states:       states,
		orchestrator: orchestrator,
		notifier:     notifier,
		logger:       logger,
	}
}

// StartPipeline confirms the workflow for an item: creates every agent's
// sub-item up front, seeds the tracking table, and assigns the first agent
// of the item's current stage.
func (s *PipelineService) StartPipeline(ctx context.Context, itemID int) error {
	item, err := s.tracker.GetItem(ctx, itemID)
	if err != nil {
		return &pipeline.TransientError{Op: "get item", Err: err}
	}
	cfg, err := s.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load workflow configuration: %w", err)
	}

	unlock := s.states.Lock(itemID)
	defer unlock()

	if err := s.orchestrator.CreateAllSubIssues(ctx, item); err != nil {
		return err
	}

	stage := item.Stage
	if cfg.AgentsFor(stage) == nil {
		stage = cfg.Order[0]
	}
	if err := s.orchestrator.AssignAgentForStatus(ctx, item, stage); err != nil {
		return err
	}

	s.notifier.Notify(ctx, events.LevelInfo, events.New(events.TypePipelineStarted, itemID, stage, "", "pipeline started"))
	return nil
}

// GetPipelineState returns the cached state for an item, reconstructing it
// from tracker content when the item is not yet tracked in memory.
func (s *PipelineService) GetPipelineState(ctx context.Context, itemID int) (*pipeline.State, error) {
	if st, ok := s.states.Get(itemID); ok {
		return st, nil
	}
	item, err := s.tracker.GetItem(ctx, itemID)
	if err != nil {
		return nil, &pipeline.TransientError{Op: "get item", Err: err}
	}
	subs, err := s.tracker.ListSubItems(ctx, itemID)
	if err != nil {
		return nil, &pipeline.TransientError{Op: "list sub-items", Err: err}
	}
	st := pipeline.Reconstruct(item, subs)
	s.states.Put(st)
	return st, nil
}

// ReconstructAll rebuilds pipeline state for every open item from tracking
// tables and sub-item titles. It must run on boot before any recovery
// sweep, so a fresh process is not mistaken for "no pipeline exists".
func (s *PipelineService) ReconstructAll(ctx context.Context) error {
	items, err := s.tracker.ListOpenItems(ctx)
	if err != nil {
		return &pipeline.TransientError{Op: "list open items", Err: err}
	}
	cfg, err := s.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load workflow configuration: %w", err)
	}
	for i := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item := &items[i]
		subs, err := s.tracker.ListSubItems(ctx, item.ID)
		if err != nil {
			s.logger.Warn("reconstruction skipped", "item", item.ID, "error", err)
			continue
		}
		st := pipeline.Reconstruct(item, subs)
		st.Terminal = cfg.IsTerminal(st.Stage)
		s.states.Put(st)
		s.logger.Info("pipeline state reconstructed", "item", item.ID, "stage", st.Stage,
			"completed", len(st.CompletedAgents), "current", st.CurrentAgent)
	}
	return nil
}
