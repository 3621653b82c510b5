package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var failOnInvalid bool
	cmd := &cobra.Command{
		Use:   "validate <run-id>",
		Short: "Print the integrity report of a run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(cmd.Context()) }()

			report := app.ValidateIntegrity(cmd.Context(), args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			if failOnInvalid && !report.Valid {
				return fmt.Errorf("run %s failed integrity validation with %d errors", args[0], len(report.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failOnInvalid, "fail-on-invalid", false, "exit non-zero when the report is invalid")
	return cmd
}
