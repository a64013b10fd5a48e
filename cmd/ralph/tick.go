package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one reconcile+schedule pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, store, err := buildServer(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		project, _ := cmd.Flags().GetString("project")
		actions, claims, err := server.Tick(project)
		if err != nil {
			return err
		}
		for _, a := range actions {
			fmt.Printf("reconciled %-40s %s -> %s (%s)\n", a.Branch, a.PreviousStatus, a.Action, a.Reason)
		}
		for _, c := range claims {
			fmt.Printf("claim %-40s claimed=%v reason=%s\n", c.Branch, c.Claimed, c.Reason)
		}
		return nil
	},
}
