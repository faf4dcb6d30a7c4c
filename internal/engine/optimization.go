package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fileforge/internal/domain"
	"fileforge/internal/imaging"
	"fileforge/internal/jobs"
	"fileforge/internal/layout"
	"fileforge/internal/models"
	"fileforge/internal/quota"
)

// Longest-side ceilings applied when no explicit resize is requested.
const (
	authCeilingStandard = 1600
	authCeilingHigh     = 2048
	publicCeiling       = 1536
)

// OptimizationRequest is one accept call on an optimization surface.
type OptimizationRequest struct {
	Identity     domain.Identity
	File         Upload
	QualityLevel domain.QualityLevel
	Resize       models.ResizeOptions
}

// BatchRequest is one public compression batch.
type BatchRequest struct {
	Identity     domain.Identity
	Files        []Upload
	QualityLevel domain.QualityLevel
}

type OptimizationEngine struct {
	*Deps
	repo      *jobs.OptimizationRepository
	batches   *jobs.Batches
	optimizer *imaging.Optimizer
}

func NewOptimizationEngine(deps *Deps, repo *jobs.OptimizationRepository, batches *jobs.Batches, optimizer *imaging.Optimizer) *OptimizationEngine {
	return &OptimizationEngine{Deps: deps, repo: repo, batches: batches, optimizer: optimizer}
}

func (e *OptimizationEngine) Repository() *jobs.OptimizationRepository { return e.repo }
func (e *OptimizationEngine) Batches() *jobs.Batches                   { return e.batches }

func optimizationSurface(id domain.Identity) domain.Surface {
	if id.Authenticated() {
		return domain.SurfaceOptimization
	}
	return domain.SurfacePublicOptimization
}

// checkInput validates one file's format and the requested settings.
func (e *OptimizationEngine) checkInput(ctx context.Context, id domain.Identity, s domain.Surface, up Upload, level domain.QualityLevel, resize models.ResizeOptions) (string, error) {
	in := e.Registry.FromFilename(up.Filename)
	if !e.Registry.Optimizable(in) {
		return "", domain.Errorf(domain.KindFormatUnsupported, "%q cannot be optimized, use jpg, png, webp or pdf", up.Filename)
	}
	if d, _ := e.Registry.Lookup(in); d.MaxInputBytes > 0 && up.Size > d.MaxInputBytes {
		return "", domain.QuotaError(domain.ReasonFileSize, "file exceeds the maximum size for this format")
	}
	if _, err := domain.QualityFor(s, level); err != nil {
		return "", err
	}
	if id.Authenticated() && (level == domain.QualityLossless || resize.Enabled) {
		f, err := e.Ledger.Features(ctx, id, s)
		if err != nil {
			return "", domain.Wrap(domain.KindInternal, err, "load account features")
		}
		if level == domain.QualityLossless && !f.CanUseLossless {
			return "", domain.Errorf(domain.KindForbidden, "lossless optimization is not enabled for this account")
		}
		if resize.Enabled && !f.CanResize {
			return "", domain.Errorf(domain.KindForbidden, "resizing is not enabled for this account")
		}
	}
	return in, nil
}

func (e *OptimizationEngine) newJob(id domain.Identity, s domain.Surface, up Upload, in, name, detected string, now time.Time, level domain.QualityLevel, resize models.ResizeOptions) *models.OptimizationJob {
	return &models.OptimizationJob{
		JobBase: models.JobBase{
			ID:               uuid.NewString(),
			Surface:          s,
			TenantID:         id.TenantID,
			UserID:           id.UserID,
			ClientIP:         id.ClientIP,
			UserAgent:        id.UserAgent,
			OriginalFilename: up.Filename,
			OriginalSize:     up.Size,
			InputFormat:      in,
			InputName:        name,
			InputStampedAt:   now,
			DetectedMIME:     detected,
			Status:           domain.StatusPending,
			DownloadToken:    newToken(),
		},
		QualityLevel: level,
		Resize:       resize,
	}
}

// Accept stores the upload, inserts a pending row and enqueues it.
func (e *OptimizationEngine) Accept(ctx context.Context, req OptimizationRequest) (*models.OptimizationJob, error) {
	id := req.Identity
	if !id.Valid() {
		return nil, domain.Errorf(domain.KindForbidden, "request has no valid identity")
	}
	if req.QualityLevel == "" {
		req.QualityLevel = domain.QualityMedium
	}
	surface := optimizationSurface(id)
	logger := e.logger().With("surface", surface, "subject", id.Subject())

	if err := e.Ledger.CheckBlocked(ctx, id, surface); err != nil {
		return nil, err
	}
	in, err := e.checkInput(ctx, id, surface, req.File, req.QualityLevel, req.Resize)
	if err != nil {
		return nil, err
	}
	if err := e.Ledger.Authorize(ctx, id, surface, req.File.Size); err != nil {
		return nil, err
	}

	detected, body := sniff(req.File.Body)
	e.checkSniffed(logger, req.File.Filename, in, detected)
	now := e.now()
	name, err := e.store(id, Upload{Filename: req.File.Filename, Size: req.File.Size, Body: body}, now)
	if err != nil {
		return nil, err
	}

	job := e.newJob(id, surface, req.File, in, name, detected, now, req.QualityLevel, req.Resize)
	if err := e.repo.Create(ctx, job); err != nil {
		_ = e.Layout.Remove(e.Layout.InputPath(id, name))
		return nil, domain.Wrap(domain.KindInternal, err, "could not create job")
	}
	if err := enqueue(ctx, e.Deps, e.repo, JobOptimization, job); err != nil {
		return nil, err
	}
	logger.Info("optimization accepted", "job_id", job.ID, "format", in, "quality", req.QualityLevel, "size", req.File.Size)
	return job, nil
}

// AcceptBatch authorizes a public compression batch once and creates one
// optimization job per file, all sharing the batch id.
func (e *OptimizationEngine) AcceptBatch(ctx context.Context, req BatchRequest) (*models.CompressionBatch, []*models.OptimizationJob, error) {
	id := req.Identity
	if id.Authenticated() || !id.Valid() {
		return nil, nil, domain.Errorf(domain.KindForbidden, "batch compression is only available on the public surface")
	}
	if req.QualityLevel == "" {
		req.QualityLevel = domain.QualityMedium
	}
	s := domain.SurfacePublicCompression
	logger := e.logger().With("surface", s, "subject", id.Subject())

	if err := e.Ledger.CheckBlocked(ctx, id, s); err != nil {
		return nil, nil, err
	}
	formats := make([]string, len(req.Files))
	sizes := make([]int64, len(req.Files))
	for i, f := range req.Files {
		in, err := e.checkInput(ctx, id, s, f, req.QualityLevel, models.ResizeOptions{})
		if err != nil {
			return nil, nil, err
		}
		formats[i] = in
		sizes[i] = f.Size
	}
	if len(sizes) == 0 {
		return nil, nil, domain.QuotaError(domain.ReasonFileCount, "a batch needs at least one file")
	}
	if err := e.Ledger.Authorize(ctx, id, s, sizes...); err != nil {
		return nil, nil, err
	}

	batch := &models.CompressionBatch{
		ID:        uuid.NewString(),
		ClientIP:  id.ClientIP,
		UserAgent: id.UserAgent,
		Total:     len(req.Files),
	}
	if err := e.batches.Create(ctx, batch); err != nil {
		return nil, nil, domain.Wrap(domain.KindInternal, err, "could not create batch")
	}

	now := e.now()
	created := make([]*models.OptimizationJob, 0, len(req.Files))
	used := map[string]bool{}
	for i, f := range req.Files {
		detected, body := sniff(f.Body)
		// Members share a timestamp, so repeated file names get an index prefix.
		stored := f.Filename
		if used[layout.InputName(now, stored)] {
			stored = fmt.Sprintf("%d_%s", i+1, f.Filename)
		}
		used[layout.InputName(now, stored)] = true
		name, err := e.store(id, Upload{Filename: stored, Size: f.Size, Body: body}, now)
		if err != nil {
			e.abortBatch(ctx, batch, created)
			return nil, nil, err
		}
		job := e.newJob(id, s, f, formats[i], name, detected, now, req.QualityLevel, models.ResizeOptions{})
		job.BatchID = &batch.ID
		if err := e.repo.Create(ctx, job); err != nil {
			_ = e.Layout.Remove(e.Layout.InputPath(id, name))
			e.abortBatch(ctx, batch, created)
			return nil, nil, domain.Wrap(domain.KindInternal, err, "could not create job")
		}
		created = append(created, job)
	}
	for _, job := range created {
		if err := enqueue(ctx, e.Deps, e.repo, JobOptimization, job); err != nil {
			e.abortBatch(ctx, batch, created)
			return nil, nil, err
		}
	}
	logger.Info("compression batch accepted", "batch_id", batch.ID, "files", len(created))
	return batch, created, nil
}

// abortBatch removes everything created so far for a batch that could not be
// accepted completely.
func (e *OptimizationEngine) abortBatch(ctx context.Context, batch *models.CompressionBatch, created []*models.OptimizationJob) {
	for _, job := range created {
		if job.TaskID != "" {
			_ = e.Dispatcher.Revoke(ctx, job.TaskID)
		}
		_, _ = e.repo.Delete(ctx, job.ID)
		_ = e.Layout.Remove(e.Layout.InputPath(job.Identity(), job.InputName))
	}
	_ = e.batches.Delete(ctx, batch.ID)
}

// Execute runs one attempt of an optimization job.
func (e *OptimizationEngine) Execute(ctx context.Context, jobID string, attempt int) error {
	logger := e.logger().With("job_id", jobID, "attempt", attempt)
	job, err := begin(ctx, e.repo, jobID, attempt, logger)
	if err != nil || job == nil {
		return err
	}
	logger = logger.With("surface", job.Surface)

	if err := e.run(ctx, job, logger); err != nil {
		if domain.Terminal(err) {
			e.markFailed(ctx, job, err, logger)
			logger.Warn("optimization failed", "kind", domain.KindOf(err), "error", err)
		}
		return err
	}
	return nil
}

func (e *OptimizationEngine) markFailed(ctx context.Context, job *models.OptimizationJob, cause error, logger *slog.Logger) {
	won, err := fail(ctx, e.repo, job.ID, cause)
	if err != nil {
		logger.Error("failed to mark job failed", "error", err)
		return
	}
	if won && job.BatchID != nil {
		if _, err := e.batches.RecordResult(ctx, *job.BatchID, false); err != nil {
			logger.Warn("batch result not recorded", "batch_id", *job.BatchID, "error", err)
		}
	}
}

// Plan is the resolved encoder setup for one job.
type Plan struct {
	Quality       int
	Bounds        *imaging.Bounds
	Ceiling       int
	PaletteColors int
	Lossless      bool
}

// PlanFor turns a job's settings into encoder parameters for its surface.
func PlanFor(s domain.Surface, level domain.QualityLevel, resize models.ResizeOptions, features quota.Features) (Plan, error) {
	q, err := domain.QualityFor(s, level)
	if err != nil {
		return Plan{}, err
	}
	p := Plan{Quality: q}
	if resize.Enabled {
		p.Bounds = &imaging.Bounds{
			Width:        resize.TargetWidth,
			Height:       resize.TargetHeight,
			MaxDimension: resize.TargetMaxDimension,
			KeepAspect:   resize.MaintainAspectRatio,
		}
	}

	if s.Public() {
		p.Ceiling = publicCeiling
		if side := domain.PolicyFor(s).MaxOutputSide; side > 0 && side < p.Ceiling {
			p.Ceiling = side
		}
	} else {
		if !resize.Enabled {
			p.Ceiling = authCeilingStandard
			if level == domain.QualityHigh || level == domain.QualityLossless {
				p.Ceiling = authCeilingHigh
			}
		}
		if features.MaxResolution > 0 && (p.Ceiling == 0 || features.MaxResolution < p.Ceiling) {
			p.Ceiling = features.MaxResolution
		}
		p.Lossless = level == domain.QualityLossless
	}

	switch level {
	case domain.QualityLow:
		p.PaletteColors = 32
	case domain.QualityMedium:
		p.PaletteColors = 128
	}
	return p, nil
}

// pdfCeiling is the longest side of recompressed embedded images.
func pdfCeiling(level domain.QualityLevel) int {
	switch level {
	case domain.QualityLow:
		return 1024
	case domain.QualityMedium:
		return 1600
	default:
		return 2048
	}
}

func (e *OptimizationEngine) run(ctx context.Context, job *models.OptimizationJob, logger *slog.Logger) error {
	id := job.Identity()
	policy := domain.PolicyFor(job.Surface)

	inputPath, err := e.Layout.LocateInput(id, job.InputName, job.InputStampedAt)
	if err != nil {
		return err
	}
	features, err := e.Ledger.Features(ctx, id, job.Surface)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "load account features")
	}
	plan, err := PlanFor(job.Surface, job.QualityLevel, job.Resize, features)
	if err != nil {
		return err
	}

	desc, _ := e.Registry.Lookup(job.InputFormat)
	filename := e.Layout.OutputFilename(id, job.OriginalFilename, desc.Extension)
	outputPath, err := e.Layout.SafeOutputPath(id, filename)
	if err != nil {
		return err
	}

	if err := e.repo.SetProgress(ctx, job.ID, domain.ProgressConverter); err != nil {
		logger.Warn("progress update failed", "error", err)
	}
	start := time.Now()
	fields := map[string]any{}
	if job.InputFormat == "pdf" {
		res, perr := imaging.OptimizePDF(ctx, inputPath, outputPath, imaging.PDFOptions{
			Quality:    plan.Quality,
			Ceiling:    pdfCeiling(job.QualityLevel),
			Recompress: job.QualityLevel != domain.QualityLossless,
			Collect:    job.QualityLevel == domain.QualityLow || job.QualityLevel == domain.QualityMedium,
		}, logger)
		err = perr
		if err == nil {
			logger.Debug("pdf images processed", "images", res.Images, "replaced", res.Replaced, "skipped", res.Skipped)
			fields["final_quality"] = plan.Quality
		}
	} else {
		opts := imaging.RasterOptions{
			Format:   job.InputFormat,
			Quality:  plan.Quality,
			Lossless: plan.Lossless && job.InputFormat == "webp",
			Bounds:   plan.Bounds,
			Ceiling:  plan.Ceiling,
		}
		if job.InputFormat == "png" {
			opts.PaletteColors = plan.PaletteColors
		}
		res, rerr := e.optimizer.OptimizeRaster(ctx, inputPath, outputPath, opts)
		err = rerr
		if err == nil {
			fields["final_width"] = res.Width
			fields["final_height"] = res.Height
			fields["final_quality"] = res.Quality
		}
	}
	elapsed := time.Since(start).Seconds()
	if err != nil {
		_ = e.Layout.Remove(outputPath)
		if ctx.Err() != nil {
			return domain.Wrap(domain.KindInternal, err, "optimization interrupted")
		}
		return domain.Wrap(domain.KindOptimizationFailed, err, "optimization failed")
	}

	size, err := e.Layout.Size(outputPath)
	if err != nil || size == 0 {
		_ = e.Layout.Remove(outputPath)
		return domain.Errorf(domain.KindOptimizationFailed, "optimization produced no output")
	}
	ratio := float64(size) / float64(job.OriginalSize)
	if size > job.OriginalSize {
		logger.Warn("optimized file is larger than the original", "original", job.OriginalSize, "optimized", size)
	}

	now := e.now()
	for k, v := range completionFields(filename, size, now, policy.Retention) {
		fields[k] = v
	}
	fields["compression_ratio"] = ratio
	fields["bytes_saved"] = job.OriginalSize - size
	fields["percentage_saved"] = (1 - ratio) * 100
	fields["optimization_time"] = elapsed

	won, err := e.repo.Transition(ctx, job.ID, []domain.Status{domain.StatusProcessing}, domain.StatusCompleted, fields)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "record completion")
	}
	if !won {
		logger.Info("job was cancelled while optimizing, discarding output")
		_ = e.Layout.Remove(outputPath)
		return nil
	}
	logger.Info("optimization completed", "output", filename, "original", job.OriginalSize, "size", size, "ratio", ratio)

	e.commit(ctx, job, logger)
	e.mirrorOutput(ctx, logger, outputPath)
	return nil
}

// commit charges the quota: once per job, or once per batch when the last
// member of a clean batch completes.
func (e *OptimizationEngine) commit(ctx context.Context, job *models.OptimizationJob, logger *slog.Logger) {
	id := job.Identity()
	if job.BatchID == nil {
		if err := e.Ledger.Commit(ctx, id, job.Surface); err != nil {
			logger.Error("quota commit failed", "error", err)
		}
		return
	}
	last, err := e.batches.RecordResult(ctx, *job.BatchID, true)
	if err != nil {
		logger.Error("batch result not recorded", "batch_id", *job.BatchID, "error", err)
		return
	}
	if last {
		if err := e.Ledger.Commit(ctx, id, job.Surface); err != nil {
			logger.Error("quota commit failed", "batch_id", *job.BatchID, "error", err)
		}
	}
}

// Fail marks a job failed after the dispatcher gave up on it.
func (e *OptimizationEngine) Fail(ctx context.Context, jobID string, cause error) error {
	job, err := e.repo.Load(ctx, jobID)
	if err != nil {
		return err
	}
	e.markFailed(ctx, job, cause, e.logger().With("job_id", jobID))
	return nil
}

func (e *OptimizationEngine) Cancel(ctx context.Context, id domain.Identity, jobID string) error {
	return cancel(ctx, e.Deps, e.repo, id, jobID)
}

func (e *OptimizationEngine) Status(ctx context.Context, id domain.Identity, jobID string) (*models.OptimizationJob, error) {
	return owned(ctx, e.repo, id, jobID)
}

func (e *OptimizationEngine) List(ctx context.Context, id domain.Identity, limit, offset int) ([]*models.OptimizationJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.repo.ListByOwner(ctx, id, limit, max(offset, 0))
}

// BatchStatus returns a batch and its members, visible to the submitting address only.
func (e *OptimizationEngine) BatchStatus(ctx context.Context, id domain.Identity, batchID string) (*models.CompressionBatch, []*models.OptimizationJob, error) {
	batch, err := e.batches.Load(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	if !id.Owns("", batch.ClientIP) {
		return nil, nil, domain.Errorf(domain.KindForbidden, "access denied")
	}
	members, err := e.repo.ListWhere(ctx, "batch_id = ?", batchID)
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindInternal, err, "list batch members")
	}
	return batch, members, nil
}

func (e *OptimizationEngine) Requeue(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return requeue(ctx, e.Deps, e.repo, JobOptimization, cutoff, limit)
}
