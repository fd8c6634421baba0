package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foreman/internal/infrastructure/wiring"
)

var stateCmd = &cobra.Command{
	Use:   "state <item-id>",
	Short: "Show the reconstructed pipeline state of one item",
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
		st, err := services.Pipeline.GetPipelineState(cmd.Context(), itemID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Item:      #%d\n", st.ItemID)
		fmt.Fprintf(out, "Stage:     %s\n", st.Stage)
		fmt.Fprintf(out, "Current:   %s\n", orDash(st.CurrentAgent))
		fmt.Fprintf(out, "Completed: %s\n", orDash(strings.Join(st.CompletedAgents, ", ")))
		if st.MainBranch != nil {
			fmt.Fprintf(out, "Branch:    %s (PR #%d @%s)\n", st.MainBranch.Name, st.MainBranch.PullRequestID, st.MainBranch.HeadSHA)
		}
		for agent, sub := range st.SubItems {
			fmt.Fprintf(out, "Sub-item:  %s -> #%d\n", agent, sub)
		}
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	RootCmd.AddCommand(stateCmd)
}
