package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralph-mcp/ralph/internal/rpc"
)

var stopDeleteRecord bool

var stopCmd = &cobra.Command{
	Use:   "stop <branch>",
	Short: "Stop a running or queued execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, store, err := buildServer(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := server.Stop(rpc.StopRequest{Branch: args[0], DeleteRecord: stopDeleteRecord}); err != nil {
			return err
		}
		fmt.Printf("stopped %s\n", args[0])
		return nil
	},
}

func init() {
	stopCmd.Flags().BoolVar(&stopDeleteRecord, "delete-record", false, "archive the execution record after stopping")
}
