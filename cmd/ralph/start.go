package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralph-mcp/ralph/internal/rpc"
)

var (
	startWorktree         string
	startOnConflict       string
	startAutoMerge        bool
	startNotifyOnComplete bool
)

var startCmd = &cobra.Command{
	Use:   "start <prd-path>",
	Short: "Start a new execution from a PRD",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, store, err := buildServer(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		project, _ := cmd.Flags().GetString("project")
		result, err := server.Start(rpc.StartRequest{
			PrdPath:          args[0],
			ProjectRoot:      project,
			Worktree:         startWorktree,
			OnConflict:       startOnConflict,
			AutoMerge:        startAutoMerge,
			NotifyOnComplete: startNotifyOnComplete,
		})
		if err != nil {
			return err
		}
		fmt.Printf("started execution %s on branch %s (%d stories)\n", result.ExecutionID, result.Branch, len(result.Stories))
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&startWorktree, "worktree", "", "worktree path override")
	startCmd.Flags().StringVar(&startOnConflict, "on-conflict", "auto_theirs", "conflict strategy: auto_theirs, auto_ours, notify, agent")
	startCmd.Flags().BoolVar(&startAutoMerge, "auto-merge", true, "enqueue for merge automatically on completion")
	startCmd.Flags().BoolVar(&startNotifyOnComplete, "notify", false, "notify on completion")
}
