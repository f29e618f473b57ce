package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaydesk/taskcore/internal/manager"
	"github.com/relaydesk/taskcore/internal/task"
)

func newSubmitCommand() *cobra.Command {
	var workingDir string
	var userID int64
	var chatID int64

	cmd := &cobra.Command{
		Use:   "submit [prompt]",
		Short: "Submit a background task directly from the command line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.closeFn()

			taskID, err := app.manager.StartTask(context.Background(), manager.StartTaskRequest{
				Prompt:     args[0],
				WorkingDir: workingDir,
				UserID:     userID,
				ChatID:     chatID,
			})
			if err != nil {
				fmt.Println(errorColor(err.Error()))
				return err
			}
			fmt.Println(successColor("started task " + taskID))
			waitForTerminal(app, taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&workingDir, "working-dir", ".", "Working directory to run the task in")
	cmd.Flags().Int64Var(&userID, "user-id", 0, "User id to attribute the task to")
	cmd.Flags().Int64Var(&chatID, "chat-id", 0, "Originating chat id")
	return cmd
}

// waitForTerminal polls the repository until the submitted task reaches a
// terminal status or a generous deadline elapses, so the one-shot CLI
// invocation observes the outcome before the process (and its bus/
// heartbeat goroutines) tears down.
func waitForTerminal(app *app, taskID string) {
	deadline := time.Now().Add(10 * time.Minute)
	for time.Now().Before(deadline) {
		rec, err := app.manager.Get(context.Background(), taskID)
		if err == nil && rec != nil && rec.Status.IsTerminal() {
			printOutcome(rec)
			return
		}
		time.Sleep(2 * time.Second)
	}
	fmt.Println(errorColor("timed out waiting for task to finish"))
}

func printOutcome(rec *task.Record) {
	switch rec.Status {
	case task.StatusCompleted:
		fmt.Println(successColor("task completed"))
	case task.StatusFailed:
		msg := ""
		if rec.ErrorMessage != nil {
			msg = *rec.ErrorMessage
		}
		fmt.Println(errorColor("task failed: " + msg))
	default:
		fmt.Println(infoColor("task finished with status " + string(rec.Status)))
	}
}
