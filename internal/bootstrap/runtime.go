// Package bootstrap assembles the fileforge collaborators from a Config and
// runs them as an HTTP server, a River worker, or a one-shot sweep.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/spf13/afero"
	"gorm.io/gorm"
	"riverqueue.com/riverui"

	"fileforge/internal/browsermgr"
	"fileforge/internal/config"
	"fileforge/internal/converters"
	"fileforge/internal/database"
	"fileforge/internal/engine"
	"fileforge/internal/formats"
	"fileforge/internal/handlers"
	"fileforge/internal/imaging"
	"fileforge/internal/jobs"
	"fileforge/internal/journal"
	"fileforge/internal/layout"
	"fileforge/internal/quota"
	"fileforge/internal/workers"
)

const shutdownTimeout = 30 * time.Second

// Options selects which parts of the runtime are started.
type Options struct {
	// Work registers the job workers and periodic sweeps on the River client.
	Work bool
	// Journal opens the attempt journal. Pebble holds an exclusive lock on
	// the directory, so only one process per host should set it.
	Journal bool
}

type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	pool    *pgxpool.Pool
	db      *gorm.DB
	deps    *engine.Deps
	convs   *converters.Pool
	browser *browsermgr.Manager
	journal *journal.Journal

	Conversions   *engine.ConversionEngine
	Optimizations *engine.OptimizationEngine
	Resolver      *engine.Resolver
	Sweeper       *engine.Sweeper
	River         *river.Client[pgx.Tx]

	closers []func() error
}

// New connects to the database, applies migrations and builds the engines and
// the River client.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{cfg: cfg, logger: logger}
	if err := rt.init(ctx, opts); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) init(ctx context.Context, opts Options) error {
	cfg, logger := rt.cfg, rt.logger

	pool, db, err := database.Open(ctx, cfg.DBURL, cfg.MaxDBConns)
	if err != nil {
		return err
	}
	rt.pool, rt.db = pool, db
	rt.closers = append(rt.closers, func() error { pool.Close(); return nil })

	if err := database.Migrate(db); err != nil {
		return err
	}
	if err := workers.Migrate(ctx, pool); err != nil {
		return err
	}

	l, err := layout.New(afero.NewOsFs(), cfg.StorageRoot, logger)
	if err != nil {
		return err
	}
	mirror, err := cfg.Mirror(ctx)
	if err != nil {
		return err
	}
	store, closeStore, err := cfg.QuotaStore(db)
	if err != nil {
		return err
	}
	if closeStore != nil {
		rt.closers = append(rt.closers, closeStore)
	}

	if opts.Journal {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		rt.journal = j
		rt.closers = append(rt.closers, j.Close)
	}

	rt.convs, rt.browser = cfg.Converters(ctx, logger)
	if rt.browser != nil {
		rt.closers = append(rt.closers, func() error { rt.browser.Close(); return nil })
	}
	logger.Info("Converter pool ready", "converters", rt.convs.Names(), "unavailable", rt.convs.Skipped())

	rt.deps = &engine.Deps{
		Registry:   formats.New(),
		Pool:       rt.convs,
		Layout:     l,
		Ledger:     quota.NewLedger(store, logger),
		Tombstones: jobs.NewTombstones(db),
		Logger:     logger,
	}
	if mirror != nil {
		rt.deps.Mirror = mirror
	}

	convRepo := jobs.NewConversionRepository(db)
	optRepo := jobs.NewOptimizationRepository(db)
	batches := jobs.NewBatches(db)
	rt.Conversions = engine.NewConversionEngine(rt.deps, convRepo)
	rt.Optimizations = engine.NewOptimizationEngine(rt.deps, optRepo, batches, imaging.NewOptimizer(cfg.CwebpBinary, logger))
	rt.Resolver = engine.NewResolver(rt.deps, convRepo, optRepo)
	rt.Sweeper = engine.NewSweeper(rt.deps, convRepo, optRepo, batches, rt.journal)

	clientOpts := workers.ClientOptions{Logger: logger}
	if opts.Work {
		clientOpts = workers.ClientOptions{
			MaxWorkers:   cfg.MaxWorkers,
			JobTimeout:   workers.JobTimeout(cfg.ConversionServiceTimeout),
			Conversion:   rt.Conversions,
			Optimization: rt.Optimizations,
			Sweeper:      rt.Sweeper,
			DB:           db,
			Journal:      rt.journal,
			Logger:       logger,
		}
	}
	client, err := workers.NewClient(pool, clientOpts)
	if err != nil {
		return err
	}
	rt.River = client
	rt.deps.Dispatcher = workers.NewRiverQueueManager(client, logger)
	return nil
}

// Close releases everything New acquired, in reverse order.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("Error during shutdown", "error", err)
		}
	}
	rt.closers = nil
}

// Router builds the HTTP handler, mounting River UI when enabled.
func (rt *Runtime) Router(ctx context.Context) (http.Handler, error) {
	opts := handlers.RouterOptions{
		API:            handlers.NewAPI(rt.Conversions, rt.Optimizations, rt.logger),
		Downloads:      handlers.NewDownloads(rt.Resolver, rt.deps.Layout.Fs(), rt.logger),
		Health:         &handlers.Health{DB: rt.db, Pool: rt.convs, Browser: rt.browser},
		Verifier:       handlers.NewVerifier([]byte(rt.cfg.JWTSecret)),
		TrustedProxies: rt.cfg.TrustedProxies,
	}
	if rt.cfg.RiverUI {
		ui, err := riverui.NewHandler(&riverui.HandlerOpts{
			Endpoints: riverui.NewEndpoints(rt.River, nil),
			Logger:    rt.logger,
			Prefix:    "/riverui",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create River UI: %w", err)
		}
		if err := ui.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start River UI: %w", err)
		}
		opts.RiverUI = ui
		opts.AdminTenants = rt.cfg.AdminTenants
		rt.logger.Info("River UI mounted", "path", "/riverui")
	}
	return handlers.NewRouter(opts)
}

// Serve runs the HTTP server until ctx is cancelled.
func (rt *Runtime) Serve(ctx context.Context) error {
	router, err := rt.Router(ctx)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              rt.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("Starting server", "addr", rt.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	rt.logger.Info("Shutting down server")
	return srv.Shutdown(shutdownCtx)
}

// Work starts the River client and blocks until ctx is cancelled.
func (rt *Runtime) Work(ctx context.Context) error {
	if err := rt.River.Start(ctx); err != nil {
		return fmt.Errorf("failed to start River client: %w", err)
	}
	rt.logger.Info("Workers started", "max_workers", rt.cfg.MaxWorkers)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	rt.logger.Info("Stopping workers")
	if err := rt.River.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop River client: %w", err)
	}
	return nil
}

// Sweep runs every maintenance pass once.
func (rt *Runtime) Sweep(ctx context.Context) (engine.SweepReport, error) {
	rep, err := rt.Sweeper.RunAll(ctx)
	if err != nil {
		return rep, err
	}
	used, uerr := rt.deps.Layout.DiskUsage()
	if uerr != nil {
		rt.logger.Warn("Could not measure storage", "error", uerr)
	}
	rt.logger.Info("Sweep completed",
		"jobs", rep.Jobs,
		"files", rep.Files,
		"errors", rep.Errors,
		"quota_rows", rep.QuotaRows,
		"reset_rows", rep.ResetRows,
		"journal_rows", rep.JournalRows,
		"tombstones", rep.Tombstones,
		"storage_used", humanize.Bytes(uint64(used)),
	)
	return rep, nil
}

// Requeue re-enqueues pending jobs older than cutoff whose task is gone.
func (rt *Runtime) Requeue(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	conv, err := rt.Conversions.Requeue(ctx, cutoff, limit)
	if err != nil {
		return conv, err
	}
	opt, err := rt.Optimizations.Requeue(ctx, cutoff, limit)
	return conv + opt, err
}
