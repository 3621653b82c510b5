package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the collection service and admin API",
		Long: `Starts the retry scheduler and the admin HTTP API, then waits for
SIGINT or SIGTERM. On shutdown in-flight retries finish and the final state
is persisted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run service: %w", err)
			}
			return nil
		},
	}
}
