// Package wiring constructs the engine's object graph from workspace
// configuration.
package wiring

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/felixgeelhaar/foreman/internal/infrastructure/github"
	"github.com/felixgeelhaar/foreman/internal/infrastructure/storage"
	"github.com/felixgeelhaar/foreman/internal/infrastructure/webhook"
	"github.com/felixgeelhaar/foreman/pkg/application"
	"github.com/felixgeelhaar/foreman/pkg/domain/events"
	"github.com/felixgeelhaar/foreman/pkg/domain/pipeline"
	"github.com/felixgeelhaar/foreman/pkg/domain/tracker"
)

// Services bundles the constructed engine for the CLI layer.
type Services struct {
	Store    *storage.FilesystemStore
	Settings *storage.Settings
	Tracker  tracker.Client
	States   *pipeline.Store
	Guard    *pipeline.Guard
	Notifier events.Notifier

	Orchestrator *application.OrchestratorService
	Completion   *application.CompletionService
	Recovery     *application.RecoveryService
	Poll         *application.PollService
	Pipeline     *application.PipelineService
}

// Build wires the engine rooted at the given workspace directory.
func Build(root string, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store := storage.NewFilesystemStore(root)
	if err := store.Initialize(); err != nil {
		return nil, err
	}
	settings, err := store.LoadSettings()
	if err != nil {
		return nil, err
	}
	if settings.Owner == "" || settings.Repo == "" {
		return nil, fmt.Errorf("config.yaml must set owner and repo")
	}
	token := os.Getenv(settings.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("tracker token missing: set %s", settings.TokenEnv)
	}

	tc := github.NewClient(token, settings.Owner, settings.Repo)

	var notifier events.Notifier = events.LogNotifier{Logger: logger}
	if len(settings.WebhookEndpoints) > 0 {
		dlPath, err := store.DeadLetterPath()
		if err != nil {
			return nil, err
		}
		notifier = webhook.NewNotifier(settings.WebhookEndpoints, webhook.NewDeadLetterStore(dlPath), logger)
	}

	states := pipeline.NewStore()
	guard := pipeline.NewGuard()
	cooldown := pipeline.NewCooldown(pipeline.DefaultRecoveryWindow)

	orchestrator := application.NewOrchestratorService(tc, store, states, guard, notifier, logger)
	completion := application.NewCompletionService(tc, states, notifier, logger)
	recovery := application.NewRecoveryService(states, guard, cooldown, orchestrator, notifier, logger)
	poll := application.NewPollService(tc, store, states, orchestrator, completion, recovery, logger)
	poll.SetInterval(settings.PollInterval)
	poll.SetConcurrency(settings.ItemConcurrency)
	pipelineSvc := application.NewPipelineService(tc, store, states, orchestrator, notifier, logger)

	return &Services{
		Store:        store,
		Settings:     settings,
		Tracker:      tc,
		States:       states,
		Guard:        guard,
		Notifier:     notifier,
		Orchestrator: orchestrator,
		Completion:   completion,
		Recovery:     recovery,
		Poll:         poll,
		Pipeline:     pipelineSvc,
	}, nil
}
