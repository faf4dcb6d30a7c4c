// Package workers runs conversion and optimization jobs and the periodic
// maintenance passes on River.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"gorm.io/gorm"

	"fileforge/internal/engine"
	"fileforge/internal/journal"
)

// ClientOptions selects what a River client runs. Leaving the engines nil
// yields an insert-only client for the HTTP process.
type ClientOptions struct {
	MaxWorkers   int
	// JobTimeout bounds one attempt. Zero derives it from the converter
	// defaults with JobTimeout(0).
	JobTimeout   time.Duration
	Conversion   *engine.ConversionEngine
	Optimization *engine.OptimizationEngine
	Sweeper      *engine.Sweeper
	DB           *gorm.DB
	Journal      *journal.Journal
	Logger       *slog.Logger
}

func (o ClientOptions) working() bool {
	return o.Conversion != nil && o.Optimization != nil
}

// NewClient creates the River client over the shared pgx pool.
func NewClient(pool *pgxpool.Pool, opts ClientOptions) (*river.Client[pgx.Tx], error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := &river.Config{Logger: logger}

	if opts.working() {
		if opts.MaxWorkers <= 0 {
			opts.MaxWorkers = 5
		}
		if opts.JobTimeout <= 0 {
			opts.JobTimeout = JobTimeout(0)
		}
		cfg.JobTimeout = opts.JobTimeout
		workers := river.NewWorkers()
		river.AddWorker(workers, NewConversionWorker(opts.Conversion, opts.Journal, opts.JobTimeout, logger))
		river.AddWorker(workers, NewOptimizationWorker(opts.Optimization, opts.Journal, opts.JobTimeout, logger))
		if opts.Sweeper != nil {
			river.AddWorker(workers, NewCleanupWorker(opts.DB, opts.Sweeper, opts.Conversion, opts.Optimization, logger))
			cfg.PeriodicJobs = PeriodicJobs()
		}
		cfg.Workers = workers
		cfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: opts.MaxWorkers},
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}
	return client, nil
}

// Migrate brings the River schema up to date.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	for _, v := range res.Versions {
		slog.Info("Applied River migration", "version", v.Version)
	}
	return nil
}
