package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fileforge/internal/models"
)

// GormStore keeps quota rows in the relational database. Each update runs in a
// transaction holding a row lock.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) UpdateTenant(ctx context.Context, seed models.TenantQuota, fn func(q *models.TenantQuota) error) (models.TenantQuota, error) {
	var row models.TenantQuota
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return fmt.Errorf("seed tenant quota: %w", err)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND surface = ?", seed.TenantID, seed.Surface).
			First(&row).Error; err != nil {
			return fmt.Errorf("load tenant quota: %w", err)
		}
		if err := fn(&row); err != nil {
			return err
		}
		return tx.Save(&row).Error
	})
	if errors.Is(err, errSkip) {
		return row, nil
	}
	return row, err
}

func (s *GormStore) UpdateIP(ctx context.Context, seed models.IPQuota, fn func(q *models.IPQuota) error) (models.IPQuota, error) {
	var row models.IPQuota
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return fmt.Errorf("seed ip quota: %w", err)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("ip = ? AND surface = ?", seed.IP, seed.Surface).
			First(&row).Error; err != nil {
			return fmt.Errorf("load ip quota: %w", err)
		}
		if err := fn(&row); err != nil {
			return err
		}
		return tx.Save(&row).Error
	})
	if errors.Is(err, errSkip) {
		return row, nil
	}
	return row, err
}

func (s *GormStore) DeleteIdleIP(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("last_action_at < ?", cutoff).Delete(&models.IPQuota{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) ResetStale(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	hourStart := now.UTC().Truncate(time.Hour)

	var ips []models.IPQuota
	if err := s.db.WithContext(ctx).
		Where("last_action_at < ? AND (hourly_usage > 0 OR daily_usage > 0)", hourStart).
		Find(&ips).Error; err != nil {
		return 0, fmt.Errorf("list stale ip quotas: %w", err)
	}
	for _, q := range ips {
		_, err := s.UpdateIP(ctx, q, func(row *models.IPQuota) error {
			if !RollIP(row, now) {
				return errSkip
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total++
	}

	var tenants []models.TenantQuota
	if err := s.db.WithContext(ctx).Where("reset_at <= ?", now).Find(&tenants).Error; err != nil {
		return total, fmt.Errorf("list stale tenant quotas: %w", err)
	}
	for _, q := range tenants {
		_, err := s.UpdateTenant(ctx, q, func(row *models.TenantQuota) error {
			if !RollTenant(row, now) {
				return errSkip
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total++
	}
	return total, nil
}
