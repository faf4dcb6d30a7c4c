package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
	"gorm.io/gorm"

	"fileforge/internal/engine"
)

// Sweep passes run by the periodic maintenance job.
const (
	PassExpired   = "expired"
	PassIdle      = "idle"
	PassWindows   = "windows"
	PassReconcile = "reconcile"
)

// requeueAfter is how long a pending job may wait before its task is checked.
const requeueAfter = 10 * time.Minute

// SweepJobArgs is the payload of the periodic maintenance job.
type SweepJobArgs struct {
	Pass string `json:"pass"`
}

// Kind returns the job kind for River
func (SweepJobArgs) Kind() string { return "sweep" }

// CleanupWorker runs the sweeper passes and reconciles job rows against the river queue.
type CleanupWorker struct {
	river.WorkerDefaults[SweepJobArgs]
	db          *gorm.DB
	sweeper     *engine.Sweeper
	conversions *engine.ConversionEngine
	optimizer   *engine.OptimizationEngine
	logger      *slog.Logger
}

func NewCleanupWorker(db *gorm.DB, sweeper *engine.Sweeper, conv *engine.ConversionEngine, opt *engine.OptimizationEngine, logger *slog.Logger) *CleanupWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupWorker{
		db:          db,
		sweeper:     sweeper,
		conversions: conv,
		optimizer:   opt,
		logger:      logger.With("worker", "sweep"),
	}
}

func (w *CleanupWorker) Work(ctx context.Context, job *river.Job[SweepJobArgs]) error {
	logger := w.logger.With("pass", job.Args.Pass, "task_id", job.ID)
	var err error
	switch job.Args.Pass {
	case PassExpired:
		_, err = w.sweeper.SweepExpired(ctx)
	case PassIdle:
		_, err = w.sweeper.SweepIdle(ctx)
	case PassWindows:
		_, err = w.sweeper.ResetWindows(ctx)
	case PassReconcile:
		err = w.RunCleanup(ctx)
	default:
		return river.JobCancel(fmt.Errorf("unknown sweep pass %q", job.Args.Pass))
	}
	if err != nil {
		logger.Error("Sweep pass failed", "error", err)
		return err
	}
	return nil
}

// Timeout bounds one maintenance pass.
func (w *CleanupWorker) Timeout(*river.Job[SweepJobArgs]) time.Duration {
	return 15 * time.Minute
}

var jobTables = []string{"conversion_jobs", "optimization_jobs"}

// RunCleanup fails rows whose river job is gone or was discarded and
// re-enqueues pending rows whose task never made it into the queue.
func (w *CleanupWorker) RunCleanup(ctx context.Context) error {
	w.logger.Info("Starting periodic job reconciliation")
	var total int64

	for _, table := range jobTables {
		// Processing rows older than 1 hour with no live river job
		res := w.db.WithContext(ctx).Exec(fmt.Sprintf(`
			UPDATE %[1]s
			SET status = 'failed',
				updated_at = NOW(),
				error_message = 'processing was interrupted and the task is gone'
			WHERE %[1]s.status = 'processing'
			  AND %[1]s.updated_at < NOW() - INTERVAL '1 hour'
			  AND NOT EXISTS (
				  SELECT 1 FROM river_job rj
				  WHERE rj.id::text = %[1]s.task_id
					AND rj.state IN ('available', 'running', 'retryable', 'scheduled')
			  )
		`, table))
		if res.Error != nil {
			w.logger.Error("Failed to reconcile processing jobs", "table", table, "error", res.Error)
		} else if res.RowsAffected > 0 {
			w.logger.Info("Failed orphaned processing jobs", "table", table, "count", res.RowsAffected)
			total += res.RowsAffected
		}

		// Rows whose river job was discarded
		res = w.db.WithContext(ctx).Exec(fmt.Sprintf(`
			UPDATE %[1]s
			SET status = 'failed',
				updated_at = NOW(),
				error_message = 'the task for this job was discarded'
			WHERE %[1]s.status IN ('pending', 'processing')
			  AND EXISTS (
				  SELECT 1 FROM river_job rj
				  WHERE rj.id::text = %[1]s.task_id
					AND rj.state = 'discarded'
			  )
		`, table))
		if res.Error != nil {
			w.logger.Error("Failed to reconcile discarded jobs", "table", table, "error", res.Error)
		} else if res.RowsAffected > 0 {
			w.logger.Info("Failed jobs with discarded tasks", "table", table, "count", res.RowsAffected)
			total += res.RowsAffected
		}
	}

	cutoff := time.Now().Add(-requeueAfter)
	requeued := 0
	if n, err := w.conversions.Requeue(ctx, cutoff, 200); err != nil {
		w.logger.Error("Failed to requeue conversions", "error", err)
	} else {
		requeued += n
	}
	if n, err := w.optimizer.Requeue(ctx, cutoff, 200); err != nil {
		w.logger.Error("Failed to requeue optimizations", "error", err)
	} else {
		requeued += n
	}

	w.logger.Info("Periodic reconciliation completed", "failed", total, "requeued", requeued)
	return nil
}

// PeriodicJobs schedules every maintenance pass.
func PeriodicJobs() []*river.PeriodicJob {
	schedule := []struct {
		pass  string
		every time.Duration
	}{
		{PassExpired, time.Hour},
		{PassWindows, time.Hour},
		{PassReconcile, time.Hour},
		{PassIdle, 24 * time.Hour},
	}
	jobs := make([]*river.PeriodicJob, 0, len(schedule))
	for _, s := range schedule {
		pass := s.pass
		jobs = append(jobs, river.NewPeriodicJob(
			river.PeriodicInterval(s.every),
			func() (river.JobArgs, *river.InsertOpts) {
				return SweepJobArgs{Pass: pass}, &river.InsertOpts{MaxAttempts: 1, Tags: []string{"sweep", pass}}
			},
			&river.PeriodicJobOpts{RunOnStart: pass == PassReconcile},
		))
	}
	return jobs
}
