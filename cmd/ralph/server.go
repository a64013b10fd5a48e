package main

import (
	"log"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ralph-mcp/ralph/internal/config"
	"github.com/ralph-mcp/ralph/internal/git"
	"github.com/ralph-mcp/ralph/internal/launcher"
	"github.com/ralph-mcp/ralph/internal/mergeworker"
	"github.com/ralph-mcp/ralph/internal/reconciler"
	"github.com/ralph-mcp/ralph/internal/rpc"
	"github.com/ralph-mcp/ralph/internal/scheduler"
	"github.com/ralph-mcp/ralph/internal/staleness"
	"github.com/ralph-mcp/ralph/internal/state"
)

// buildServer loads configuration, opens the state store rooted at
// the resolved data directory, and wires the RPC surface against the
// current working directory's repository.
func buildServer(cmd *cobra.Command) (*rpc.Server, *state.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	store, err := state.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	store.SetMaxArchived(cfg.Archive.MaxArchivedExecutions)

	repos := func(root string) git.Runner { return git.NewRunner(root) }

	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}

	l := launcher.NewSubprocessLauncher(cfg.Launcher.Command, cfg.Launcher.LogDir)
	memory := func() (uint64, error) {
		var info syscall.Sysinfo_t
		if err := syscall.Sysinfo(&info); err != nil {
			return 0, err
		}
		return uint64(info.Freeram) * uint64(info.Unit), nil
	}
	sched := scheduler.New(store, l, memory, 512*1024*1024, 256*1024*1024, cfg.Runner.MaxLaunchAttempts)

	repo := git.NewRunner(cwd)
	mw := mergeworker.New(store, repo)

	timeouts := staleness.Timeouts{
		staleness.TaskImplementing: cfg.Staleness.Implementing,
		staleness.TaskBuilding:     cfg.Staleness.Building,
		staleness.TaskTesting:      cfg.Staleness.Testing,
		staleness.TaskVerifying:    cfg.Staleness.Verifying,
		staleness.TaskUnknown:      cfg.Staleness.Unknown,
	}

	prdDirs := []string{filepath.Join(cwd, "prds"), filepath.Join(cwd, "tasks")}
	server := rpc.New(store, reconciler.RepoFactory(repos), sched, mw, timeouts, cfg.BranchPrefix, prdDirs...)

	if cfg.Launcher.LogDir != "" {
		if err := server.WatchLogs(cfg.Launcher.LogDir); err != nil {
			log.Printf("log watcher disabled: %v", err)
		}
	}

	return server, store, nil
}
