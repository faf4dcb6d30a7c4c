package jobs

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fileforge/internal/models"
)

// Tombstones keeps the download tokens of swept jobs for a grace period.
type Tombstones struct {
	db *gorm.DB
}

func NewTombstones(db *gorm.DB) *Tombstones {
	return &Tombstones{db: db}
}

// Bury records token as expired. Recording the same token twice is a no-op.
func (t *Tombstones) Bury(ctx context.Context, token, jobID string, expiredAt time.Time) error {
	row := models.ExpiredToken{Token: token, JobID: jobID, ExpiredAt: expiredAt}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Expired reports whether token belongs to a swept job.
func (t *Tombstones) Expired(ctx context.Context, token string) (bool, error) {
	var row models.ExpiredToken
	err := t.db.WithContext(ctx).Where("token = ?", token).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Prune removes tombstones for jobs that expired before cutoff.
func (t *Tombstones) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := t.db.WithContext(ctx).Where("expired_at < ?", cutoff).Delete(&models.ExpiredToken{})
	return res.RowsAffected, res.Error
}
