package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ralph-mcp/ralph/internal/rpc"
	"github.com/ralph-mcp/ralph/pkg/models"
)

var (
	statusFilter       string
	statusReconcile    bool
	statusHistoryLimit int
	statusWait         time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show execution status and summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, store, err := buildServer(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		project, _ := cmd.Flags().GetString("project")
		result, err := server.Status(rpc.StatusRequest{
			Project:       project,
			Status:        statusFilter,
			Reconcile:     statusReconcile,
			HistoryLimit:  statusHistoryLimit,
			WaitForChange: statusWait,
		})
		if err != nil {
			return err
		}

		summaryLine := fmt.Sprintf("%d executions (%d at risk, %d interrupted)", result.Summary.Total, result.Summary.AtRisk, result.Summary.Interrupted)
		if result.Summary.AtRisk > 0 || result.Summary.Interrupted > 0 {
			color.New(color.FgYellow).Println(summaryLine)
		} else {
			color.New(color.FgGreen).Println(summaryLine)
		}
		for _, e := range result.Executions {
			printStatusRow(fmt.Sprintf("  %-40s %-12s priority=%s", e.Branch, e.Status, e.Priority), e.Status)
		}
		if len(result.Actions) > 0 {
			fmt.Println("reconciler actions:")
			for _, a := range result.Actions {
				color.New(color.FgYellow).Printf("  %-40s %s -> %s (%s)\n", a.Branch, a.PreviousStatus, a.Action, a.Reason)
			}
		}
		for _, s := range result.Suggestions {
			color.New(color.FgCyan).Printf("suggestion: %s\n", s)
		}
		return nil
	},
}

// printStatusRow colors an execution row by its current status.
func printStatusRow(line string, status models.ExecutionStatus) {
	switch status {
	case models.StatusFailed, models.StatusInterrupted:
		color.New(color.FgRed).Println(line)
	case models.StatusMerged, models.StatusCompleted:
		color.New(color.FgGreen).Println(line)
	case models.StatusRunning, models.StatusMerging:
		color.New(color.FgYellow).Println(line)
	default:
		fmt.Println(line)
	}
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "filter by execution status")
	statusCmd.Flags().BoolVar(&statusReconcile, "reconcile", true, "reconcile against git reality before reporting")
	statusCmd.Flags().IntVar(&statusHistoryLimit, "history-limit", 10, "number of recent archived executions to include")
	statusCmd.Flags().DurationVar(&statusWait, "wait", 0, "long-poll: block up to this long for a log change before reporting")
}
