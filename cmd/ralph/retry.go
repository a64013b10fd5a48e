package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralph-mcp/ralph/internal/rpc"
)

var retryHint string

var retryCmd = &cobra.Command{
	Use:   "retry <branch>",
	Short: "Retry a failed, stopped, or interrupted execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, store, err := buildServer(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		exec, err := server.Retry(rpc.RetryRequest{Branch: args[0], Hint: retryHint})
		if err != nil {
			return err
		}
		fmt.Printf("%s is now %s\n", exec.Branch, exec.Status)
		return nil
	},
}

func init() {
	retryCmd.Flags().StringVar(&retryHint, "hint", "", "hint for the retry (accepted but not stored)")
}
