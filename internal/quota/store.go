package quota

import (
	"context"
	"errors"
	"time"

	"fileforge/internal/domain"
	"fileforge/internal/models"
)

// Store persists quota rows. Update methods are atomic read-modify-write
// operations that create the row from seed when it does not exist yet. When fn
// returns an error nothing is written.
type Store interface {
	UpdateTenant(ctx context.Context, seed models.TenantQuota, fn func(q *models.TenantQuota) error) (models.TenantQuota, error)
	UpdateIP(ctx context.Context, seed models.IPQuota, fn func(q *models.IPQuota) error) (models.IPQuota, error)
	// DeleteIdleIP removes IP rows whose last action is before cutoff.
	DeleteIdleIP(ctx context.Context, cutoff time.Time) (int64, error)
	// ResetStale applies the window roll to every row that needs it.
	ResetStale(ctx context.Context, now time.Time) (int64, error)
}

// errSkip aborts an update without writing and without surfacing an error.
var errSkip = errors.New("quota: no change")

func tenantSeed(tenantID string, s domain.Surface, now time.Time) models.TenantQuota {
	p := domain.PolicyFor(s)
	return models.TenantQuota{
		TenantID:         tenantID,
		Surface:          s,
		MonthlyLimit:     p.MonthlyLimit,
		MaxFileBytes:     p.MaxFileBytes,
		ResetAt:          NextMonth(now),
		CanUseLossless:   p.AllowLossless,
		CanResize:        true,
		CanCustomQuality: true,
	}
}

func ipSeed(ip string, s domain.Surface) models.IPQuota {
	p := domain.PolicyFor(s)
	return models.IPQuota{
		IP:               ip,
		Surface:          s,
		HourlyLimit:      p.HourlyLimit,
		DailyLimit:       p.DailyLimit,
		MaxFileBytes:     p.MaxFileBytes,
		MaxFilesPerBatch: p.MaxBatchFiles,
		MaxBatchBytes:    p.MaxBatchBytes,
	}
}
