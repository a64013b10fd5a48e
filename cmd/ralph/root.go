package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/ralph-mcp/ralph/internal/version"
)

// CheckAgentCLI verifies that the configured agent launcher command is
// available in PATH.
func CheckAgentCLI(command string) error {
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("agent command %q not found in PATH", command)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Workload orchestrator for concurrent coding agents",
	Long: `Ralph drives many concurrent autonomous coding agents against a
single git repository. A PRD is parsed into an execution plus a list
of user stories; ralph creates an isolated git worktree per execution,
launches an agent there, tracks per-story progress, detects stagnation
and stalled sessions, reconciles recorded state against git reality,
and serializes successful branches through a merge queue.

Available commands:
  start    Start a new execution from a PRD
  status   Show execution status and summary
  update   Record a story update from a running agent
  stop     Stop a running or queued execution
  retry    Retry a failed, stopped, or interrupted execution
  merge    Inspect or drive the merge queue
  tick     Run one reconcile+schedule pass
  version  Show version information

Use "ralph [command] --help" for more information about a command.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version.Get()
	rootCmd.PersistentFlags().String("data-dir", "", "override the state data directory")
	rootCmd.PersistentFlags().String("project", "", "limit the operation to one project root")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(tickCmd)
}
