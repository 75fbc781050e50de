package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/carharvest/internal/record"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Creates the database tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			appInstance.Logger().Info("schema applied")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the read-only query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return appInstance.Serve(ctx)
		},
	}
}

func newSweepCmd() *cobra.Command {
	var before int64
	cmd := &cobra.Command{
		Use:   "sweep {truecar|autotrader|edmunds}",
		Short: "Deletes a source's listings last seen before a cutoff",
		Long: `Deletes listings of the source whose last_seen is older than
--before, a unix timestamp in seconds. Scrape runs this automatically
after a complete pass; use it to recover when that pass was cut short.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: sourceNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := record.ParseSource(args[0])
			if err != nil {
				return err
			}
			if before <= 0 {
				return errors.New("--before must be a positive unix timestamp")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.Sweep(cmd.Context(), source, before)
			if err != nil {
				return fmt.Errorf("sweep %s: %w", source, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d %s listings\n", n, source)
			return nil
		},
	}
	cmd.Flags().Int64Var(&before, "before", 0, "unix timestamp; listings last seen earlier are deleted")
	_ = cmd.MarkFlagRequired("before")
	return cmd
}
