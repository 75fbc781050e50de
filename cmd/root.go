// Package cmd defines and implements the CLI commands for the carharvest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/app"
	"github.com/JakeFAU/carharvest/internal/config"
	"github.com/JakeFAU/carharvest/internal/logging"
	"github.com/JakeFAU/carharvest/internal/record"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the application. Tests swap in a
// fake through newApp.
type App interface {
	Close()
	Logger() *zap.Logger
	Scrape(ctx context.Context, source record.Source, opts app.ScrapeOptions) error
	Migrate(ctx context.Context) error
	Sweep(ctx context.Context, source record.Source, before int64) (int64, error)
	Serve(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

type rootFlags struct {
	configFile string
	envFile    string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "carharvest",
		Short: "Harvests used-car listings from TrueCar, Autotrader and Edmunds.",
		Long: `carharvest walks the public inventory APIs of the major used-car
marketplaces, normalizes every listing into one schema and upserts it into
Postgres. Interrupted passes resume from a per-source state file. The
serve command exposes the harvested data over a read-only HTTP API.`,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},

		// Runs after flag parsing and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			cfg, err := config.Load(flags.configFile, flags.envFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Log.Development, cfg.Log.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file to load before reading the environment (default .env if present)")

	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSweepCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
