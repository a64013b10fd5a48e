package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralph-mcp/ralph/internal/pipeline"
)

var (
	updateBranch       string
	updateStoryID      string
	updatePasses       bool
	updateNotes        string
	updateFilesChanged int
	updateError        string
	updateStep         string
	updateSkipHardGates bool
	updateSkipScopeCheck bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Record a story update from a running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, store, err := buildServer(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := server.Update(pipeline.Update{
			Branch:         updateBranch,
			StoryID:        updateStoryID,
			Passes:         updatePasses,
			Notes:          updateNotes,
			FilesChanged:   updateFilesChanged,
			Error:          updateError,
			Step:           updateStep,
			SkipHardGates:  updateSkipHardGates,
			SkipScopeCheck: updateSkipScopeCheck,
		})
		if err != nil {
			return err
		}

		fmt.Printf("success=%v stagnant=%v allComplete=%v\n", result.Success, result.Stagnant, result.AllComplete)
		if result.Error != "" {
			fmt.Printf("error: %s\n", result.Error)
		}
		for _, u := range result.Unlocked {
			fmt.Printf("unlocked dependent: %s\n", u.Branch)
		}
		return nil
	},
}

func init() {
	updateCmd.Flags().StringVar(&updateBranch, "branch", "", "execution branch")
	updateCmd.Flags().StringVar(&updateStoryID, "story", "", "story id")
	updateCmd.Flags().BoolVar(&updatePasses, "passes", false, "whether the story's acceptance criteria currently pass")
	updateCmd.Flags().StringVar(&updateNotes, "notes", "", "free-text progress notes")
	updateCmd.Flags().IntVar(&updateFilesChanged, "files-changed", 0, "number of files changed this loop")
	updateCmd.Flags().StringVar(&updateError, "error", "", "error encountered this loop, if any")
	updateCmd.Flags().StringVar(&updateStep, "step", "", "current activity step label")
	updateCmd.Flags().BoolVar(&updateSkipHardGates, "skip-hard-gates", false, "skip typecheck/build evidence gates")
	updateCmd.Flags().BoolVar(&updateSkipScopeCheck, "skip-scope-check", false, "skip the diff scope guardrail")
	rootCmd.AddCommand(updateCmd)
}
