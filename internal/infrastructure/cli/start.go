package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foreman/internal/infrastructure/wiring"
)

var startCmd = &cobra.Command{
	Use:   "start <item-id>",
	Short: "Confirm the workflow for an item and assign its first agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		itemID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("item id must be a number: %q", args[0])
		}
		services, err := wiring.Build(workspaceRoot, newLogger())
		if err != nil {
			return err
		}
		if err := services.Pipeline.StartPipeline(cmd.Context(), itemID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline started for item #%d\n", itemID)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(startCmd)
}
