// Package cmd wires the CLI entry points.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crawlidx/crawlidx/internal/app"
	"github.com/crawlidx/crawlidx/internal/config"
	"github.com/crawlidx/crawlidx/internal/logging"
)

var (
	cfgFile string
	seeds   []string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlidx",
		Short: "A crawl pipeline with a searchable inverted index.",
		Long: `crawlidx discovers URLs, fetches and deduplicates their content,
parses HTML into positional term streams, and serves BM25-ranked search
over the resulting in-memory index.`,
		RunE: run,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "seed URL (repeatable; appended to configured seeds)")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Seeds = append(cfg.Seeds, seeds...)

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	defer a.Close()

	logger.Info("starting crawl service",
		zap.Int("workers", cfg.Scheduler.WorkerThreads),
		zap.Int("seeds", len(cfg.Seeds)),
	)
	return a.Run(ctx)
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
