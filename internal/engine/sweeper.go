package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fileforge/internal/domain"
	"fileforge/internal/jobs"
	"fileforge/internal/journal"
	"fileforge/internal/models"
)

const (
	sweepBatch = 500
	// failedRetention is how long failed rows and their inputs are kept.
	failedRetention = 24 * time.Hour
	// IdleQuotaAge is how long an IP quota row may sit untouched before removal.
	IdleQuotaAge = 7 * 24 * time.Hour
	// journalRetention bounds the failure journal.
	journalRetention = 7 * 24 * time.Hour
	// tombstoneRetention is how long a swept token keeps answering expired.
	tombstoneRetention = 7 * 24 * time.Hour
)

// SweepReport counts what one pass removed.
type SweepReport struct {
	Jobs        int
	Files       int
	Errors      int
	QuotaRows   int64
	ResetRows   int64
	JournalRows int
	Tombstones  int64
}

// Sweeper removes expired artifacts and rows and resets stale counters.
type Sweeper struct {
	deps          *Deps
	conversions   *jobs.ConversionRepository
	optimizations *jobs.OptimizationRepository
	batches       *jobs.Batches
	journal       *journal.Journal
	logger        *slog.Logger
}

func NewSweeper(deps *Deps, conversions *jobs.ConversionRepository, optimizations *jobs.OptimizationRepository, batches *jobs.Batches, j *journal.Journal) *Sweeper {
	return &Sweeper{
		deps:          deps,
		conversions:   conversions,
		optimizations: optimizations,
		batches:       batches,
		journal:       j,
		logger:        deps.logger().With("component", "sweeper"),
	}
}

// SweepExpired deletes every expired job with its input, output and mirrored
// copy. A failure on one item is logged and the pass continues.
func (s *Sweeper) SweepExpired(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := s.deps.now()
	failedBefore := now.Add(-failedRetention)

	conv, err := s.conversions.ListExpired(ctx, now, failedBefore, sweepBatch)
	if err != nil {
		return rep, err
	}
	for _, job := range conv {
		if !s.bury(ctx, job.Base(), &rep) {
			continue
		}
		s.removeJob(ctx, job.Base(), &rep)
		if _, err := s.conversions.Delete(ctx, job.ID); err != nil {
			s.logger.Error("delete expired job failed", "job_id", job.ID, "error", err)
			rep.Errors++
			continue
		}
		rep.Jobs++
	}

	opt, err := s.optimizations.ListExpired(ctx, now, failedBefore, sweepBatch)
	if err != nil {
		return rep, err
	}
	batches := map[string]bool{}
	for _, job := range opt {
		if !s.bury(ctx, job.Base(), &rep) {
			continue
		}
		s.removeJob(ctx, job.Base(), &rep)
		if _, err := s.optimizations.Delete(ctx, job.ID); err != nil {
			s.logger.Error("delete expired job failed", "job_id", job.ID, "error", err)
			rep.Errors++
			continue
		}
		if job.BatchID != nil {
			batches[*job.BatchID] = true
		}
		rep.Jobs++
	}
	for id := range batches {
		s.dropEmptyBatch(ctx, id)
	}

	s.logger.Info("expired jobs swept", "jobs", rep.Jobs, "files", rep.Files, "errors", rep.Errors)
	return rep, nil
}

// bury tombstones the download token of a completed job before its row goes.
// On failure the job is left for the next pass.
func (s *Sweeper) bury(ctx context.Context, b *models.JobBase, rep *SweepReport) bool {
	if s.deps.Tombstones == nil || b.Status != domain.StatusCompleted || b.DownloadToken == nil || b.ExpiresAt == nil {
		return true
	}
	if err := s.deps.Tombstones.Bury(ctx, *b.DownloadToken, b.ID, *b.ExpiresAt); err != nil {
		s.logger.Error("tombstone expired token failed", "job_id", b.ID, "error", err)
		rep.Errors++
		return false
	}
	return true
}

func (s *Sweeper) removeJob(ctx context.Context, b *models.JobBase, rep *SweepReport) {
	id := b.Identity()
	l := s.deps.Layout
	logger := s.logger.With("job_id", b.ID)

	if b.OutputFilename != nil {
		path, err := l.SafeOutputPath(id, *b.OutputFilename)
		if err != nil {
			logger.Warn("refusing to remove output outside the root", "filename", *b.OutputFilename)
			rep.Errors++
		} else {
			if err := l.Remove(path); err != nil {
				logger.Warn("remove output failed", "path", path, "error", err)
				rep.Errors++
			} else {
				rep.Files++
			}
			if s.deps.Mirror != nil {
				if err := s.deps.Mirror.Delete(ctx, l.Rel(path)); err != nil {
					logger.Warn("remove mirrored output failed", "key", l.Rel(path), "error", err)
				}
			}
		}
	}
	if b.InputName != "" {
		if err := l.Remove(l.InputPath(id, b.InputName)); err != nil {
			logger.Warn("remove input failed", "error", err)
			rep.Errors++
		} else {
			rep.Files++
		}
	}
}

func (s *Sweeper) dropEmptyBatch(ctx context.Context, batchID string) {
	rest, err := s.optimizations.ListWhere(ctx, "batch_id = ?", batchID)
	if err != nil || len(rest) > 0 {
		return
	}
	if err := s.batches.Delete(ctx, batchID); err != nil {
		s.logger.Warn("delete batch failed", "batch_id", batchID, "error", err)
	}
}

// SweepIdle removes IP quota rows idle for a week and prunes the failure
// journal and old token tombstones.
func (s *Sweeper) SweepIdle(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	n, err := s.deps.Ledger.DeleteIdle(ctx, IdleQuotaAge)
	if err != nil {
		return rep, err
	}
	rep.QuotaRows = n
	if s.deps.Tombstones != nil {
		dropped, err := s.deps.Tombstones.Prune(ctx, s.deps.now().Add(-tombstoneRetention))
		if err != nil {
			s.logger.Warn("tombstone prune failed", "error", err)
		}
		rep.Tombstones = dropped
	}
	pruned, err := s.journal.Prune(s.deps.now().Add(-journalRetention))
	if err != nil {
		s.logger.Warn("journal prune failed", "error", err)
	}
	rep.JournalRows = pruned
	s.logger.Info("idle quota rows removed", "rows", n, "journal_entries", pruned)
	return rep, nil
}

// ResetWindows rolls every stale quota window.
func (s *Sweeper) ResetWindows(ctx context.Context) (SweepReport, error) {
	n, err := s.deps.Ledger.ResetStale(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	s.logger.Info("stale quota windows reset", "rows", n)
	return SweepReport{ResetRows: n}, nil
}

// RunAll performs every pass once.
func (s *Sweeper) RunAll(ctx context.Context) (SweepReport, error) {
	var total SweepReport
	var errs []error
	if r, err := s.SweepExpired(ctx); err != nil {
		errs = append(errs, err)
	} else {
		total.Jobs, total.Files, total.Errors = r.Jobs, r.Files, r.Errors
	}
	if r, err := s.SweepIdle(ctx); err != nil {
		errs = append(errs, err)
	} else {
		total.QuotaRows, total.JournalRows, total.Tombstones = r.QuotaRows, r.JournalRows, r.Tombstones
	}
	if r, err := s.ResetWindows(ctx); err != nil {
		errs = append(errs, err)
	} else {
		total.ResetRows = r.ResetRows
	}
	return total, errors.Join(errs...)
}
