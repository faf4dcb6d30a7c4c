package workers

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"fileforge/internal/domain"
	"fileforge/internal/engine"
	"fileforge/internal/journal"
	"fileforge/internal/utils"
)

// jobTimeoutMargin covers the file moves and mirror upload around the
// converter call.
const jobTimeoutMargin = 2 * time.Minute

// JobTimeout bounds one job attempt. It outlasts the slowest converter so a
// conversion is never cut off by river before its own deadline fires.
func JobTimeout(serviceTimeout time.Duration) time.Duration {
	t := utils.DefaultTimeoutConfig()
	return max(serviceTimeout, t.ServiceTimeout, t.ProcessTimeout, t.BrowserTimeout) + jobTimeoutMargin
}

// ConversionJobArgs is the river payload for one conversion row.
type ConversionJobArgs struct {
	JobID   string         `json:"job_id"`
	Surface domain.Surface `json:"surface"`
}

// Kind returns the job kind for River
func (ConversionJobArgs) Kind() string { return string(engine.JobConversion) }

// OptimizationJobArgs is the river payload for one optimization row.
type OptimizationJobArgs struct {
	JobID   string         `json:"job_id"`
	Surface domain.Surface `json:"surface"`
}

// Kind returns the job kind for River
func (OptimizationJobArgs) Kind() string { return string(engine.JobOptimization) }

// executor is the part of an engine a worker drives.
type executor interface {
	Execute(ctx context.Context, jobID string, attempt int) error
	Fail(ctx context.Context, jobID string, cause error) error
}

// ConversionWorker executes conversion jobs.
type ConversionWorker struct {
	river.WorkerDefaults[ConversionJobArgs]
	engine  *engine.ConversionEngine
	journal *journal.Journal
	timeout time.Duration
	logger  *slog.Logger
}

func NewConversionWorker(e *engine.ConversionEngine, j *journal.Journal, timeout time.Duration, logger *slog.Logger) *ConversionWorker {
	return &ConversionWorker{engine: e, journal: j, timeout: timeout, logger: logger}
}

func (w *ConversionWorker) Work(ctx context.Context, job *river.Job[ConversionJobArgs]) error {
	return work(ctx, w.engine, w.journal, w.logger, job.JobRow, job.Args.JobID, job.Args.Surface)
}

// NextRetry follows the surface retry policy instead of river's default backoff.
func (w *ConversionWorker) NextRetry(job *river.Job[ConversionJobArgs]) time.Time {
	return nextRetry(job.Args.Surface, job.Attempt)
}

// Timeout replaces river's one minute default.
func (w *ConversionWorker) Timeout(*river.Job[ConversionJobArgs]) time.Duration {
	return w.timeout
}

// OptimizationWorker executes optimization and batch member jobs.
type OptimizationWorker struct {
	river.WorkerDefaults[OptimizationJobArgs]
	engine  *engine.OptimizationEngine
	journal *journal.Journal
	timeout time.Duration
	logger  *slog.Logger
}

func NewOptimizationWorker(e *engine.OptimizationEngine, j *journal.Journal, timeout time.Duration, logger *slog.Logger) *OptimizationWorker {
	return &OptimizationWorker{engine: e, journal: j, timeout: timeout, logger: logger}
}

func (w *OptimizationWorker) Work(ctx context.Context, job *river.Job[OptimizationJobArgs]) error {
	return work(ctx, w.engine, w.journal, w.logger, job.JobRow, job.Args.JobID, job.Args.Surface)
}

func (w *OptimizationWorker) NextRetry(job *river.Job[OptimizationJobArgs]) time.Time {
	return nextRetry(job.Args.Surface, job.Attempt)
}

func (w *OptimizationWorker) Timeout(*river.Job[OptimizationJobArgs]) time.Duration {
	return w.timeout
}

func nextRetry(s domain.Surface, attempt int) time.Time {
	return time.Now().Add(domain.PolicyFor(s).Retry.Delay(attempt - 1))
}

// work runs one attempt. Terminal failures are cancelled so river does not
// retry them; internal failures are retried until the last attempt, which
// marks the row failed.
func work(ctx context.Context, ex executor, j *journal.Journal, base *slog.Logger, row *rivertype.JobRow, jobID string, s domain.Surface) error {
	if base == nil {
		base = slog.Default()
	}
	logger := base.With(
		"worker", row.Kind,
		"task_id", row.ID,
		"job_id", jobID,
		"attempt", row.Attempt,
		"surface", s,
	)
	logger.Debug("Processing job")

	err := execute(ctx, ex, jobID, row.Attempt, logger)
	if err == nil {
		return nil
	}

	if jerr := j.Record(journal.Entry{
		JobID:   jobID,
		Surface: s,
		Kind:    domain.KindOf(err),
		Message: err.Error(),
		Attempt: row.Attempt,
	}); jerr != nil {
		logger.Warn("Failed to journal job failure", "error", jerr)
	}

	if domain.Terminal(err) {
		logger.Info("Job failed permanently", "kind", domain.KindOf(err), "error", err)
		return river.JobCancel(err)
	}

	if row.Attempt >= row.MaxAttempts {
		if ferr := ex.Fail(ctx, jobID, err); ferr != nil {
			logger.Error("Failed to mark job failed after final attempt", "error", ferr)
		}
		logger.Error("Job failed after final attempt", "error", err)
		return err
	}
	logger.Warn("Job attempt failed, will retry", "error", err)
	return err
}

// execute turns a panic inside the engine into an internal error so the
// attempt is journaled and the row still reaches a final state.
func execute(ctx context.Context, ex executor, jobID string, attempt int, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", "panic", r, "stack", string(debug.Stack()))
			err = domain.Wrap(domain.KindInternal, fmt.Errorf("panic: %v", r), "job processing panicked")
		}
	}()
	return ex.Execute(ctx, jobID, attempt)
}
