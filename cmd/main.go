package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fileforge/internal/bootstrap"
	"fileforge/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(ctx).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(ctx context.Context) *cobra.Command {
	root := &cobra.Command{
		Use:           "fileforge",
		Short:         "Document conversion and image optimization service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(ctx),
		newWorkerCommand(ctx),
		newAllCommand(ctx),
		newSweepCommand(ctx),
	)
	return root
}

// withRuntime loads configuration, builds the runtime and hands it to fn.
func withRuntime(ctx context.Context, serve bool, opts bootstrap.Options, fn func(*bootstrap.Runtime) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serve {
		if err := cfg.ValidateServe(); err != nil {
			return err
		}
	}
	logger := cfg.Logger()
	rt, err := bootstrap.New(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func newServeCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(*cobra.Command, []string) error {
			return withRuntime(ctx, true, bootstrap.Options{}, func(rt *bootstrap.Runtime) error {
				return rt.Serve(ctx)
			})
		},
	}
}

func newWorkerCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued jobs and periodic sweeps",
		RunE: func(*cobra.Command, []string) error {
			return withRuntime(ctx, false, bootstrap.Options{Work: true, Journal: true}, func(rt *bootstrap.Runtime) error {
				return rt.Work(ctx)
			})
		},
	}
}

func newAllCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the HTTP API and the workers in one process",
		RunE: func(*cobra.Command, []string) error {
			return withRuntime(ctx, true, bootstrap.Options{Work: true, Journal: true}, func(rt *bootstrap.Runtime) error {
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return rt.Work(gctx) })
				g.Go(func() error { return rt.Serve(gctx) })
				return g.Wait()
			})
		},
	}
}

func newSweepCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run every maintenance pass once and exit",
		RunE: func(*cobra.Command, []string) error {
			return withRuntime(ctx, false, bootstrap.Options{Journal: true}, func(rt *bootstrap.Runtime) error {
				_, err := rt.Sweep(ctx)
				return err
			})
		},
	}
}
