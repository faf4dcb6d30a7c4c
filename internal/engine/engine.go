// Package engine runs the conversion and optimization job lifecycles:
// accept, execute, cancel, status and download resolution.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"fileforge/internal/converters"
	"fileforge/internal/domain"
	"fileforge/internal/formats"
	"fileforge/internal/jobs"
	"fileforge/internal/layout"
	"fileforge/internal/quota"
	"fileforge/internal/storage"
)

const sniffBytes = 3072

// Deps are the collaborators shared by both engines.
type Deps struct {
	Registry   *formats.Registry
	Pool       *converters.Pool
	Layout     *layout.Layout
	Ledger     *quota.Ledger
	Dispatcher Dispatcher
	// Mirror receives a copy of every completed output. Nil disables it.
	Mirror storage.Storage
	// Tombstones keeps tokens of swept jobs so they keep resolving as expired.
	// Nil disables it.
	Tombstones *jobs.Tombstones
	Logger *slog.Logger
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Upload is one file presented at accept time.
type Upload struct {
	Filename string
	Size     int64
	Body     io.Reader
}

// sniff peeks at the head of r and returns the detected MIME type and a reader
// that still yields the full content.
func sniff(r io.Reader) (string, io.Reader) {
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(r, head)
	head = head[:n]
	mt := mimetype.Detect(head)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return mt.String(), bytes.NewReader(head)
	}
	return mt.String(), io.MultiReader(bytes.NewReader(head), r)
}

// checkSniffed logs when the sniffed content disagrees with the extension.
func (d *Deps) checkSniffed(logger *slog.Logger, filename, declared, detected string) {
	mt := mimetype.Lookup(detected)
	if mt == nil || mt.Extension() == "" {
		return
	}
	sniffed := d.Registry.Normalize(strings.TrimPrefix(mt.Extension(), "."))
	want, got := d.Registry.CategoryOf(declared), d.Registry.CategoryOf(sniffed)
	if want != "" && got != "" && want != got {
		logger.Warn("upload content does not match its extension",
			"filename", filename, "declared", declared, "detected_mime", detected)
	}
}

// store writes the upload under the owner's input folder.
func (d *Deps) store(id domain.Identity, up Upload, stampedAt time.Time) (string, error) {
	name, err := d.Layout.WriteInput(id, up.Filename, stampedAt, up.Body)
	if err != nil {
		return "", domain.Wrap(domain.KindInternal, err, "could not store upload")
	}
	return name, nil
}

// mirrorOutput copies a finished output to the mirror. Failures only log.
func (d *Deps) mirrorOutput(ctx context.Context, logger *slog.Logger, path string) {
	if d.Mirror == nil {
		return
	}
	key := d.Layout.Rel(path)
	if err := storage.PutFile(ctx, d.Mirror, key, d.Layout.Fs(), path); err != nil {
		logger.Warn("mirror upload failed", "key", key, "error", err)
		return
	}
	logger.Debug("output mirrored", "key", key)
}

// newToken issues the download token at accept time. It resolves only once
// the job completes.
func newToken() *string {
	token := uuid.NewString()
	return &token
}

// completionFields are the columns written when a job completes.
func completionFields(filename string, size int64, now time.Time, retention time.Duration) map[string]any {
	expires := now.Add(retention)
	return map[string]any{
		"output_filename": filename,
		"output_size":     size,
		"expires_at":      expires,
		"completed_at":    now,
		"progress":        domain.ProgressDone,
		"error_message":   "",
	}
}

// begin claims a job for execution. It returns nil when there is nothing to
// do: the row is gone, already terminal, or claimed by another worker. A
// processing row is taken over only on a retry.
func begin[T any, PT interface {
	*T
	jobs.Record
}](ctx context.Context, repo *jobs.Repository[T, PT], id string, attempt int, logger *slog.Logger) (PT, error) {
	job, err := repo.Load(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Info("job no longer exists, nothing to do")
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "load job")
	}
	b := job.Base()
	switch b.Status {
	case domain.StatusCompleted, domain.StatusFailed:
		logger.Info("job already finished, skipping", "status", b.Status)
		return nil, nil
	case domain.StatusProcessing:
		if attempt <= 1 {
			logger.Warn("job is already being processed, skipping")
			return nil, nil
		}
		logger.Info("resuming processing job on retry", "attempt", attempt)
		_ = repo.SetProgress(ctx, id, domain.ProgressStarted)
		return job, nil
	}

	won, err := repo.Transition(ctx, id, []domain.Status{domain.StatusPending}, domain.StatusProcessing,
		map[string]any{"progress": domain.ProgressStarted})
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "claim job")
	}
	if !won {
		logger.Info("lost the race to claim job")
		return nil, nil
	}
	b.Status = domain.StatusProcessing
	b.Progress = domain.ProgressStarted
	return job, nil
}

// fail flips a non-terminal row to failed with a display-safe message.
func fail[T any, PT interface {
	*T
	jobs.Record
}](ctx context.Context, repo *jobs.Repository[T, PT], id string, cause error) (bool, error) {
	return repo.Transition(ctx, id,
		[]domain.Status{domain.StatusPending, domain.StatusProcessing},
		domain.StatusFailed,
		map[string]any{"error_message": domain.PublicMessage(cause)})
}

// cancel deletes a pending or processing job owned by id and revokes its task.
func cancel[T any, PT interface {
	*T
	jobs.Record
}](ctx context.Context, d *Deps, repo *jobs.Repository[T, PT], id domain.Identity, jobID string) error {
	job, err := owned(ctx, repo, id, jobID)
	if err != nil {
		return err
	}
	b := job.Base()
	deleted, err := repo.DeleteIfStatus(ctx, jobID, []domain.Status{domain.StatusPending, domain.StatusProcessing})
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "cancel job")
	}
	if !deleted {
		return domain.Errorf(domain.KindForbidden, "only pending or processing jobs can be cancelled")
	}
	logger := d.logger().With("job_id", jobID)
	if b.TaskID != "" {
		if err := d.Dispatcher.Revoke(ctx, b.TaskID); err != nil {
			logger.Warn("revoke task failed", "task_id", b.TaskID, "error", err)
		}
	}
	if err := d.Layout.Remove(d.Layout.InputPath(b.Identity(), b.InputName)); err != nil {
		logger.Warn("remove cancelled input failed", "error", err)
	}
	logger.Info("job cancelled")
	return nil
}

// owned loads a job and checks that id may see it.
func owned[T any, PT interface {
	*T
	jobs.Record
}](ctx context.Context, repo *jobs.Repository[T, PT], id domain.Identity, jobID string) (PT, error) {
	job, err := repo.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	b := job.Base()
	if !id.Owns(b.TenantID, b.ClientIP) {
		return nil, domain.Errorf(domain.KindForbidden, "access denied")
	}
	return job, nil
}

// enqueue hands a created row to the dispatcher. On failure the row and the
// stored input are removed so nothing dangles.
func enqueue[T any, PT interface {
	*T
	jobs.Record
}](ctx context.Context, d *Deps, repo *jobs.Repository[T, PT], kind JobKind, job PT) error {
	b := job.Base()
	taskID, err := d.Dispatcher.Enqueue(ctx, kind, b.ID, b.Surface)
	if err != nil {
		_, _ = repo.Delete(ctx, b.ID)
		_ = d.Layout.Remove(d.Layout.InputPath(b.Identity(), b.InputName))
		return domain.Wrap(domain.KindInternal, err, "could not queue job")
	}
	if err := repo.SetTaskID(ctx, b.ID, taskID); err != nil {
		d.logger().Warn("failed to record task id", "job_id", b.ID, "task_id", taskID, "error", err)
	}
	b.TaskID = taskID
	return nil
}

// requeue re-enqueues pending rows older than cutoff whose task is gone.
func requeue[T any, PT interface {
	*T
	jobs.Record
}](ctx context.Context, d *Deps, repo *jobs.Repository[T, PT], kind JobKind, cutoff time.Time, limit int) (int, error) {
	rows, err := repo.ListStuck(ctx, domain.StatusPending, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending %s jobs: %w", kind, err)
	}
	n := 0
	for _, job := range rows {
		b := job.Base()
		if b.TaskID != "" {
			alive, err := d.Dispatcher.TaskAlive(ctx, b.TaskID)
			if err != nil {
				d.logger().Warn("task lookup failed", "job_id", b.ID, "task_id", b.TaskID, "error", err)
				continue
			}
			if alive {
				continue
			}
		}
		taskID, err := d.Dispatcher.Enqueue(ctx, kind, b.ID, b.Surface)
		if err != nil {
			d.logger().Error("requeue failed", "job_id", b.ID, "error", err)
			continue
		}
		if err := repo.SetTaskID(ctx, b.ID, taskID); err != nil {
			d.logger().Warn("failed to record task id", "job_id", b.ID, "error", err)
		}
		d.logger().Info("job requeued", "job_id", b.ID, "kind", kind, "task_id", taskID)
		n++
	}
	return n, nil
}
