package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/foreman/internal/infrastructure/storage"
	"github.com/felixgeelhaar/foreman/pkg/domain/workflow"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect or update the stage-to-agents mapping",
}

var workflowGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the active workflow configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storage.NewFilesystemStore(workspaceRoot)
		cfg, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var workflowSetCmd = &cobra.Command{
	Use:   "set <file>",
	Short: "Replace the workflow configuration from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		var cfg workflow.Configuration
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		store := storage.NewFilesystemStore(workspaceRoot)
		if err := store.Initialize(); err != nil {
			return err
		}
		if err := store.Save(cmd.Context(), &cfg); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Workflow configuration saved.")
		return nil
	},
}

func init() {
	workflowCmd.AddCommand(workflowGetCmd)
	workflowCmd.AddCommand(workflowSetCmd)
	RootCmd.AddCommand(workflowCmd)
}
