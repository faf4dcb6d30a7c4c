package jobs

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"fileforge/internal/domain"
	"fileforge/internal/models"
)

// Batches persists public compression batches.
type Batches struct {
	db *gorm.DB
}

func NewBatches(db *gorm.DB) *Batches {
	return &Batches{db: db}
}

func (b *Batches) Create(ctx context.Context, batch *models.CompressionBatch) error {
	if batch.Total <= 0 {
		return errors.New("batch must contain at least one file")
	}
	return b.db.WithContext(ctx).Create(batch).Error
}

func (b *Batches) Load(ctx context.Context, id string) (*models.CompressionBatch, error) {
	var batch models.CompressionBatch
	err := b.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.Errorf(domain.KindNotFound, "batch not found")
	}
	return &batch, err
}

// RecordResult counts one finished member. It returns true exactly once per
// batch: for the caller whose update makes every member complete with no failures.
func (b *Batches) RecordResult(ctx context.Context, id string, success bool) (bool, error) {
	column := "failed"
	if success {
		column = "completed"
	}
	commit := false
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CompressionBatch{}).
			Where("id = ?", id).
			Update(column, gorm.Expr(column+" + 1"))
		if res.Error != nil {
			return fmt.Errorf("count batch result: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.Errorf(domain.KindNotFound, "batch not found")
		}
		res = tx.Model(&models.CompressionBatch{}).
			Where("id = ? AND committed = ? AND failed = 0 AND completed = total", id, false).
			Update("committed", true)
		if res.Error != nil {
			return fmt.Errorf("mark batch committed: %w", res.Error)
		}
		commit = res.RowsAffected == 1
		return nil
	})
	return commit, err
}

// Delete removes the batch row.
func (b *Batches) Delete(ctx context.Context, id string) error {
	return b.db.WithContext(ctx).Where("id = ?", id).Delete(&models.CompressionBatch{}).Error
}
