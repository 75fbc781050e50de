package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/app"
	"github.com/JakeFAU/carharvest/internal/record"
)

// newScrapeCmd creates the 'scrape' subcommand.
func newScrapeCmd() *cobra.Command {
	var opts app.ScrapeOptions
	cmd := &cobra.Command{
		Use:   "scrape {truecar|autotrader|edmunds}",
		Short: "Runs one harvesting pass over a source",
		Long: `Walks every listing the source exposes and upserts it. A pass
interrupted by a crash or signal resumes where it stopped on the next run
unless --force-restart is given. After a complete pass, listings the pass
did not see are deleted unless --no-sweep is given.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: sourceNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := record.ParseSource(args[0])
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := appInstance.Logger()
			if err := appInstance.Scrape(ctx, source, opts); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Info("scrape interrupted; progress saved", zap.String("source", string(source)))
					return nil
				}
				return fmt.Errorf("scrape %s: %w", source, err)
			}
			logger.Info("scrape finished", zap.String("source", string(source)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.ForceRestart, "force-restart", false, "discard saved progress and start a fresh pass")
	cmd.Flags().BoolVar(&opts.NoSweep, "no-sweep", false, "keep listings the pass did not see")
	return cmd
}

func sourceNames() []string {
	names := make([]string, 0, len(record.Sources))
	for _, s := range record.Sources {
		names = append(names, string(s))
	}
	return names
}
