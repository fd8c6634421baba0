package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foreman/internal/infrastructure/watch"
	"github.com/felixgeelhaar/foreman/internal/infrastructure/wiring"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the polling daemon",
	Long: `Run starts the polling loop: reconstruct pipeline state for every
open item, then tick on the configured interval until interrupted.
Workflow configuration edits are picked up without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		services, err := wiring.Build(workspaceRoot, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// State must exist before the first recovery sweep runs.
		if err := services.Pipeline.ReconstructAll(ctx); err != nil {
			return err
		}

		workflowPath, err := services.Store.WorkflowPath()
		if err != nil {
			return err
		}
		watcher, err := watch.NewConfigWatcher(workflowPath, time.Second, func() {
			logger.Info("workflow configuration changed on disk, cache invalidated")
			services.Store.Invalidate()
		})
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()

		logger.Info("polling loop starting",
			"interval", services.Settings.PollInterval,
			"concurrency", services.Settings.ItemConcurrency,
			"repo", services.Settings.Owner+"/"+services.Settings.Repo)

		err = services.Poll.Run(ctx)
		if errors.Is(err, context.Canceled) {
			logger.Info("polling loop stopped")
			return nil
		}
		return err
	},
}

func init() {
	RootCmd.AddCommand(runCmd)
}
