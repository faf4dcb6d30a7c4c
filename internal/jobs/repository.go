// Package jobs persists conversion and optimization job rows. Every status
// change is a conditional UPDATE on the current status.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"fileforge/internal/domain"
	"fileforge/internal/models"
)

// Record is implemented by every job model through the embedded JobBase.
type Record interface {
	Base() *models.JobBase
}

// Repository is the persistence port for one job table.
type Repository[T any, PT interface {
	*T
	Record
}] struct {
	db *gorm.DB
}

func NewRepository[T any, PT interface {
	*T
	Record
}](db *gorm.DB) *Repository[T, PT] {
	return &Repository[T, PT]{db: db}
}

// ConversionRepository and OptimizationRepository are the two concrete tables.
type (
	ConversionRepository   = Repository[models.ConversionJob, *models.ConversionJob]
	OptimizationRepository = Repository[models.OptimizationJob, *models.OptimizationJob]
)

func NewConversionRepository(db *gorm.DB) *ConversionRepository {
	return NewRepository[models.ConversionJob](db)
}

func NewOptimizationRepository(db *gorm.DB) *OptimizationRepository {
	return NewRepository[models.OptimizationJob](db)
}

func (r *Repository[T, PT]) DB() *gorm.DB { return r.db }

// Create inserts a new row. The row must be pending and carry no output.
func (r *Repository[T, PT]) Create(ctx context.Context, job PT) error {
	b := job.Base()
	if b.Status == "" {
		b.Status = domain.StatusPending
	}
	if err := validateNew(b); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func validateNew(b *models.JobBase) error {
	if b.ID == "" {
		return errors.New("job id is required")
	}
	if b.Status != domain.StatusPending {
		return fmt.Errorf("new job must be pending, got %s", b.Status)
	}
	if !b.Identity().Valid() || (b.TenantID != "" && b.ClientIP != "") {
		return errors.New("job must be owned by a tenant or a client address, not both")
	}
	if b.OriginalSize <= 0 {
		return errors.New("original size must be positive")
	}
	if b.OutputFilename != nil || b.OutputSize != nil || b.ExpiresAt != nil {
		return errors.New("new job cannot carry output fields")
	}
	return nil
}

// Load returns the row or a not-found error.
func (r *Repository[T, PT]) Load(ctx context.Context, id string) (PT, error) {
	job := PT(new(T))
	err := r.db.WithContext(ctx).Where("id = ?", id).First(job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.Errorf(domain.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// FindByToken returns the row carrying the download token.
func (r *Repository[T, PT]) FindByToken(ctx context.Context, token string) (PT, error) {
	job := PT(new(T))
	err := r.db.WithContext(ctx).Where("download_token = ?", token).First(job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.Errorf(domain.KindNotFound, "download not found")
	}
	if err != nil {
		return nil, fmt.Errorf("find by token: %w", err)
	}
	return job, nil
}

// Transition moves the row to status to, but only if it is currently in one of from.
// It reports whether this caller won the transition.
func (r *Repository[T, PT]) Transition(ctx context.Context, id string, from []domain.Status, to domain.Status, fields map[string]any) (bool, error) {
	updates := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to
	updates["updated_at"] = time.Now().UTC()

	res := r.db.WithContext(ctx).Model(PT(new(T))).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition job %s to %s: %w", id, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetTaskID records the dispatcher task id.
func (r *Repository[T, PT]) SetTaskID(ctx context.Context, id, taskID string) error {
	return r.db.WithContext(ctx).Model(PT(new(T))).Where("id = ?", id).Update("task_id", taskID).Error
}

// SetProgress updates progress while the job is processing.
func (r *Repository[T, PT]) SetProgress(ctx context.Context, id string, progress int) error {
	return r.db.WithContext(ctx).Model(PT(new(T))).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Update("progress", progress).Error
}

// Delete removes the row. It reports whether a row was deleted.
func (r *Repository[T, PT]) Delete(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(PT(new(T)))
	return res.RowsAffected > 0, res.Error
}

// DeleteIfStatus removes the row only while it is in one of statuses.
func (r *Repository[T, PT]) DeleteIfStatus(ctx context.Context, id string, statuses []domain.Status) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND status IN ?", id, statuses).Delete(PT(new(T)))
	return res.RowsAffected > 0, res.Error
}

// ListExpired returns completed or failed rows whose retention has passed.
// Failed rows have no expiry, so they age out by creation time.
func (r *Repository[T, PT]) ListExpired(ctx context.Context, now time.Time, failedBefore time.Time, limit int) ([]PT, error) {
	var rows []PT
	err := r.db.WithContext(ctx).
		Where("(status = ? AND expires_at <= ?) OR (status = ? AND created_at <= ?)",
			domain.StatusCompleted, now, domain.StatusFailed, failedBefore).
		Order("created_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	return rows, nil
}

// ListStuck returns rows in status created before cutoff.
func (r *Repository[T, PT]) ListStuck(ctx context.Context, status domain.Status, cutoff time.Time, limit int) ([]PT, error) {
	var rows []PT
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", status, cutoff).
		Order("created_at").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListByOwner returns the newest rows visible to id.
func (r *Repository[T, PT]) ListByOwner(ctx context.Context, id domain.Identity, limit, offset int) ([]PT, error) {
	q := r.db.WithContext(ctx)
	if id.Authenticated() {
		q = q.Where("tenant_id = ?", id.TenantID)
	} else {
		q = q.Where("tenant_id = '' AND client_ip = ?", id.ClientIP)
	}
	var rows []PT
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return rows, nil
}

// ListWhere is an escape hatch for table-specific queries.
func (r *Repository[T, PT]) ListWhere(ctx context.Context, query string, args ...any) ([]PT, error) {
	var rows []PT
	err := r.db.WithContext(ctx).Where(query, args...).Order("created_at").Find(&rows).Error
	return rows, err
}
