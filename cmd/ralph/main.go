// Command ralph drives the workload orchestrator core: it parses PRDs
// into executions, launches agents in isolated git worktrees, and
// serializes completed branches through a merge queue.
package main

func main() {
	Execute()
}
