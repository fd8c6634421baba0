package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foreman/internal/infrastructure/wiring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline progress for all open items",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := wiring.Build(workspaceRoot, newLogger())
		if err != nil {
			return err
		}
		if err := services.Pipeline.ReconstructAll(cmd.Context()); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		ids := services.States.Items()
		if len(ids) == 0 {
			fmt.Fprintln(out, "No open items with a pipeline.")
			return nil
		}
		for _, id := range ids {
			st, ok := services.States.Get(id)
			if !ok {
				continue
			}
			current := st.CurrentAgent
			if current == "" {
				current = "-"
			}
			fmt.Fprintf(out, "#%-6d %-12s current=%-10s done=[%s]\n",
				st.ItemID, st.Stage, current, strings.Join(st.CompletedAgents, ", "))
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)
}
