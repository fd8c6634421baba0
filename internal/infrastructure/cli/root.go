// Package cli defines the foreman command tree.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var workspaceRoot string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "foreman",
	Version: Version,
	Short:   "Pipeline orchestration for autonomous coding agents",
	Long: `Foreman drives autonomous coding agents across the stages of
externally tracked work items. It polls the tracker, detects when the
active agent finished its turn, merges the agent's branch, and assigns
the next agent. All pipeline state is kept durable in the items
themselves.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() error {
	return RootCmd.Execute()
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&workspaceRoot, "workspace", "w", ".", "workspace directory containing .foreman/")
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
