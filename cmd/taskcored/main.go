// Command taskcored is the demonstration binary wiring the task execution
// core together: a Task Repository, an LLM Provider, the Event Bus, the
// Heartbeat Service, and the Task Manager, fronted by a small HTTP control
// surface and a cobra CLI. Grounded on cmd/cobra_cli.go's root-command
// shape and cmd/task-orchestrator/main.go's serve-loop/graceful-shutdown
// shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskcored",
		Short: "Background task execution core for a chat-driven coding agent",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newRecoverOrphansCommand())
	root.AddCommand(newSubmitCommand())
	return root
}
