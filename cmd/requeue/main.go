package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fileforge/internal/bootstrap"
	"fileforge/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:          "requeue",
		Short:        "Re-enqueue pending jobs whose queue task is missing",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := cfg.Logger()
			rt, err := bootstrap.New(ctx, cfg, logger, bootstrap.Options{})
			if err != nil {
				return err
			}
			defer rt.Close()

			logger.Info("Starting requeue", "older_than", olderThan, "limit", limit)
			n, err := rt.Requeue(ctx, time.Now().Add(-olderThan), limit)
			if err != nil {
				return err
			}
			logger.Info("Requeue completed", "requeued", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "only consider jobs pending for at least this long")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum jobs per kind")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
