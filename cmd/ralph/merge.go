package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralph-mcp/ralph/internal/rpc"
)

var (
	mergeBranch  string
	mergeQueueID int
)

var mergeCmd = &cobra.Command{
	Use:   "merge <list|enqueue|process|remove>",
	Short: "Inspect or drive the merge queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, store, err := buildServer(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := server.Merge(rpc.MergeRequest{
			Action:  args[0],
			Branch:  mergeBranch,
			QueueID: mergeQueueID,
		})
		if err != nil {
			return err
		}

		switch args[0] {
		case "list":
			for _, item := range result.Queue {
				fmt.Printf("  #%d execution=%s position=%d %s\n", item.ID, item.ExecutionID, item.Position, item.Status)
			}
		case "enqueue":
			if result.Enqueued != nil {
				fmt.Printf("enqueued #%d for execution %s\n", result.Enqueued.ID, result.Enqueued.ExecutionID)
			}
		case "process":
			if result.Outcome != nil {
				fmt.Printf("processed %s: success=%v reason=%s\n", result.Outcome.ExecutionID, result.Outcome.Success, result.Outcome.Reason)
			} else {
				fmt.Println("queue empty")
			}
		case "remove":
			fmt.Printf("removed #%d\n", mergeQueueID)
		}
		return nil
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeBranch, "branch", "", "branch to enqueue")
	mergeCmd.Flags().IntVar(&mergeQueueID, "id", 0, "merge queue entry id to remove")
}
