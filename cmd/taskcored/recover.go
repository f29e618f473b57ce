package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newRecoverOrphansCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover-orphans",
		Short: "Mark any running task record left over from a prior crash as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.closeFn()

			if err := app.manager.Recover(context.Background()); err != nil {
				return err
			}
			fmt.Println(successColor("orphan recovery complete"))
			return nil
		},
	}
}
