package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fileforge/internal/converters"
	"fileforge/internal/domain"
	"fileforge/internal/jobs"
	"fileforge/internal/models"
)

// largePDFBytes is the input size above which media extraction is skipped.
const largePDFBytes = 10 * 1024 * 1024

// ConversionRequest is one accept call.
type ConversionRequest struct {
	Identity     domain.Identity
	File         Upload
	TargetFormat string
	Options      models.ConversionOptions
}

type ConversionEngine struct {
	*Deps
	repo *jobs.ConversionRepository
}

func NewConversionEngine(deps *Deps, repo *jobs.ConversionRepository) *ConversionEngine {
	return &ConversionEngine{Deps: deps, repo: repo}
}

func (e *ConversionEngine) Repository() *jobs.ConversionRepository { return e.repo }

// conversionSurface picks the surface for an identity.
func conversionSurface(id domain.Identity) domain.Surface {
	if id.Authenticated() {
		return domain.SurfaceConversion
	}
	return domain.SurfacePublicConversion
}

// Accept validates and stores the upload, inserts a pending row and enqueues it.
func (e *ConversionEngine) Accept(ctx context.Context, req ConversionRequest) (*models.ConversionJob, error) {
	id := req.Identity
	if !id.Valid() {
		return nil, domain.Errorf(domain.KindForbidden, "request has no valid identity")
	}
	surface := conversionSurface(id)
	logger := e.logger().With("surface", surface, "subject", id.Subject())

	if err := e.Ledger.CheckBlocked(ctx, id, surface); err != nil {
		return nil, err
	}
	in := e.Registry.FromFilename(req.File.Filename)
	out := e.Registry.Normalize(req.TargetFormat)
	if !e.Registry.CanBeInput(in) {
		return nil, domain.Errorf(domain.KindFormatUnsupported, "input format %q is not supported", in)
	}
	if !e.Registry.CanBeOutput(out) {
		return nil, domain.Errorf(domain.KindFormatUnsupported, "output format %q is not supported", req.TargetFormat)
	}
	if c, _ := e.Pool.SelectWithAlternates(in, out, e.Registry.Aliases); c == nil {
		return nil, domain.Errorf(domain.KindNoConverter, "no converter available for %s to %s", in, out)
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

	job := &models.ConversionJob{
		JobBase: models.JobBase{
			ID:               uuid.NewString(),
			Surface:          surface,
			TenantID:         id.TenantID,
			UserID:           id.UserID,
			ClientIP:         id.ClientIP,
			UserAgent:        id.UserAgent,
			OriginalFilename: req.File.Filename,
			OriginalSize:     req.File.Size,
			InputFormat:      in,
			InputName:        name,
			InputStampedAt:   now,
			DetectedMIME:     detected,
			Status:           domain.StatusPending,
			DownloadToken:    newToken(),
		},
		OutputFormat: out,
		Options:      req.Options,
	}
	if err := e.repo.Create(ctx, job); err != nil {
		_ = e.Layout.Remove(e.Layout.InputPath(id, name))
		return nil, domain.Wrap(domain.KindInternal, err, "could not create job")
	}
	if err := enqueue(ctx, e.Deps, e.repo, JobConversion, job); err != nil {
		return nil, err
	}
	logger.Info("conversion accepted", "job_id", job.ID, "in", in, "out", out, "size", req.File.Size)
	return job, nil
}

// Execute runs one attempt of a job. Terminal failures are written to the row
// before returning; internal errors leave it processing for the retry.
func (e *ConversionEngine) Execute(ctx context.Context, jobID string, attempt int) error {
	logger := e.logger().With("job_id", jobID, "attempt", attempt)
	job, err := begin(ctx, e.repo, jobID, attempt, logger)
	if err != nil || job == nil {
		return err
	}
	logger = logger.With("surface", job.Surface)

	if err := e.run(ctx, job, logger); err != nil {
		if domain.Terminal(err) {
			if _, ferr := fail(ctx, e.repo, jobID, err); ferr != nil {
				logger.Error("failed to mark job failed", "error", ferr)
			}
			logger.Warn("conversion failed", "kind", domain.KindOf(err), "error", err)
		}
		return err
	}
	return nil
}

func (e *ConversionEngine) run(ctx context.Context, job *models.ConversionJob, logger *slog.Logger) error {
	id := job.Identity()
	policy := domain.PolicyFor(job.Surface)

	inputPath, err := e.Layout.LocateInput(id, job.InputName, job.InputStampedAt)
	if err != nil {
		return err
	}

	conv, pair := e.Pool.SelectWithAlternates(job.InputFormat, job.OutputFormat, e.Registry.Aliases)
	if conv == nil {
		return domain.Errorf(domain.KindNoConverter, "no converter available for %s to %s", job.InputFormat, job.OutputFormat)
	}
	if pair != [2]string{job.InputFormat, job.OutputFormat} {
		logger.Info("converter selected through alternate format names", "converter", conv.Name(), "in", pair[0], "out", pair[1])
	}
	logger = logger.With("converter", conv.Name())

	desc, _ := e.Registry.Lookup(job.OutputFormat)
	filename := e.Layout.OutputFilename(id, job.OriginalFilename, desc.Extension)
	outputPath, err := e.Layout.SafeOutputPath(id, filename)
	if err != nil {
		return err
	}

	req := converters.Request{
		InputPath:    inputPath,
		OutputPath:   outputPath,
		InputFormat:  converters.MapFormat(conv.Name(), pair[0]),
		OutputFormat: converters.MapFormat(conv.Name(), pair[1]),
		Options:      e.buildOptions(job, policy),
	}

	if err := e.repo.SetProgress(ctx, job.ID, domain.ProgressConverter); err != nil {
		logger.Warn("progress update failed", "error", err)
	}
	start := time.Now()
	err = conv.Convert(ctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		_ = e.Layout.Remove(outputPath)
		if ctx.Err() != nil {
			return domain.Wrap(domain.KindInternal, err, "conversion interrupted")
		}
		return domain.Wrap(domain.KindConversionFailed, err, "conversion failed")
	}
	size, err := e.Layout.Size(outputPath)
	if err != nil || size == 0 {
		_ = e.Layout.Remove(outputPath)
		return domain.Errorf(domain.KindConversionFailed, "conversion produced no output")
	}

	now := e.now()
	fields := completionFields(filename, size, now, policy.Retention)
	fields["conversion_time"] = elapsed
	won, err := e.repo.Transition(ctx, job.ID, []domain.Status{domain.StatusProcessing}, domain.StatusCompleted, fields)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "record completion")
	}
	if !won {
		logger.Info("job was cancelled while converting, discarding output")
		_ = e.Layout.Remove(outputPath)
		return nil
	}
	logger.Info("conversion completed", "output", filename, "size", size, "seconds", elapsed)

	if err := e.Ledger.Commit(ctx, id, job.Surface); err != nil {
		logger.Error("quota commit failed", "error", err)
	}
	e.mirrorOutput(ctx, logger, outputPath)
	return nil
}

// buildOptions derives the converter options for a job.
func (e *ConversionEngine) buildOptions(job *models.ConversionJob, policy domain.Policy) converters.Options {
	o := converters.Options{
		Wrap:       job.Options.Wrap,
		Standalone: job.Options.Standalone,
		PDFEngine:  job.Options.PDFEngine,
	}
	if job.Options.ExtractMedia != nil {
		o.ExtractMedia = *job.Options.ExtractMedia
	}
	if job.InputFormat == "pdf" && job.OriginalSize > largePDFBytes {
		o.ExtractMedia = false
	}
	switch job.OutputFormat {
	case "md":
		if o.Wrap == "" {
			o.Wrap = "none"
		}
	case "html":
		o.Standalone = true
	}
	if o.PDFEngine == "" {
		o.PDFEngine = policy.PDFEngine
	}
	if d, ok := e.Registry.Lookup(job.OutputFormat); ok {
		o.Quality = d.DefaultQuality
	}
	return o
}

// Fail marks a job failed after the dispatcher gave up on it.
func (e *ConversionEngine) Fail(ctx context.Context, jobID string, cause error) error {
	_, err := fail(ctx, e.repo, jobID, cause)
	return err
}

// Cancel deletes a pending or processing job owned by id.
func (e *ConversionEngine) Cancel(ctx context.Context, id domain.Identity, jobID string) error {
	return cancel(ctx, e.Deps, e.repo, id, jobID)
}

// Status returns a job visible to id.
func (e *ConversionEngine) Status(ctx context.Context, id domain.Identity, jobID string) (*models.ConversionJob, error) {
	return owned(ctx, e.repo, id, jobID)
}

func (e *ConversionEngine) List(ctx context.Context, id domain.Identity, limit, offset int) ([]*models.ConversionJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.repo.ListByOwner(ctx, id, limit, max(offset, 0))
}

// Requeue re-enqueues pending jobs older than cutoff whose task is missing.
func (e *ConversionEngine) Requeue(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return requeue(ctx, e.Deps, e.repo, JobConversion, cutoff, limit)
}
