// Package cmd defines the collectord CLI.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/config"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/integrity"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/server"
)

var cfgFile string

// App is what the subcommands need from the built service. Tests replace
// newApp to inject a fake.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	ValidateIntegrity(ctx context.Context, runID string) integrity.Report
}

type serverApp struct {
	*server.App
}

func (a serverApp) ValidateIntegrity(ctx context.Context, runID string) integrity.Report {
	return a.Orchestrator().ValidateIntegrity(ctx, runID)
}

var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build service: %w", err)
	}
	return serverApp{App: app}, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collectord",
		Short: "Resilient collection service with persistent resume and retry state",
		Long: `collectord runs the collection core: a rate limited, circuit broken
request middleware plus a persistent coordinator for resume points, failed
task retries and run integrity checks.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newValidateCmd())
	return cmd
}

func loadApp(cmd *cobra.Command) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newApp(cmd.Context(), &cfg)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		_, _ = io.WriteString(os.Stderr, err.Error()+"\n")
		os.Exit(1)
	}
}
