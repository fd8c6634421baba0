package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foreman/internal/infrastructure/wiring"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single poll tick and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := wiring.Build(workspaceRoot, newLogger())
		if err != nil {
			return err
		}
		if err := services.Pipeline.ReconstructAll(cmd.Context()); err != nil {
			return err
		}
		services.Poll.ForceTick(cmd.Context())

		status := services.Poll.Status()
		if status.LastErr != "" {
			return fmt.Errorf("tick failed: %s", status.LastErr)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Tick complete at %s\n", status.LastTick.Format("15:04:05"))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(tickCmd)
}
