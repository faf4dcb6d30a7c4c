// Package quota implements per-tenant and per-IP usage accounting.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"fileforge/internal/domain"
	"fileforge/internal/models"
)

// Features are the tenant feature flags consulted by the optimization engine.
type Features struct {
	CanUseLossless   bool
	CanResize        bool
	CanCustomQuality bool
	MaxResolution    int // 0 means no tenant clamp
}

// Ledger authorizes work before it is accepted and counts it after it succeeds.
type Ledger struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, now: time.Now, logger: logger}
}

// WithClock replaces the wall clock, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Authorize checks whether id may submit files of the given sizes on surface s.
// One size means a single-file job; several mean one batch. Checks run in order:
// blocked, size per file, batch bytes, batch count, hourly, daily, monthly.
// The first failure is returned as a quota-exceeded error. Counters are never
// modified here.
func (l *Ledger) Authorize(ctx context.Context, id domain.Identity, s domain.Surface, sizes ...int64) error {
	if len(sizes) == 0 {
		return domain.QuotaError(domain.ReasonFileCount, "no files submitted")
	}
	var total, largest int64
	empty := false
	for _, n := range sizes {
		total += n
		if n > largest {
			largest = n
		}
		if n <= 0 {
			empty = true
		}
	}
	now := l.now()

	var refusal error
	if id.Authenticated() {
		_, err := l.store.UpdateTenant(ctx, tenantSeed(id.TenantID, s, now), func(q *models.TenantQuota) error {
			view := *q
			RollTenant(&view, now)
			refusal = checkTenant(&view, empty, largest, now)
			return errSkip
		})
		if err != nil {
			return domain.Wrap(domain.KindInternal, err, "quota lookup failed")
		}
	} else {
		_, err := l.store.UpdateIP(ctx, ipSeed(id.ClientIP, s), func(q *models.IPQuota) error {
			view := *q
			RollIP(&view, now)
			refusal = checkIP(&view, empty, largest, total, len(sizes), now)
			return errSkip
		})
		if err != nil {
			return domain.Wrap(domain.KindInternal, err, "quota lookup failed")
		}
	}
	if refusal != nil {
		l.logger.Info("quota refused", "subject", id.Subject(), "surface", s, "reason", domain.ReasonOf(refusal))
	}
	return refusal
}

func checkTenant(q *models.TenantQuota, empty bool, largest int64, now time.Time) error {
	if err := checkFileSize(empty, largest, q.MaxFileBytes); err != nil {
		return err
	}
	if q.MonthlyLimit > 0 && q.MonthUsage >= q.MonthlyLimit {
		return domain.QuotaError(domain.ReasonMonthly, fmt.Sprintf(
			"monthly limit of %d jobs reached, resets %s", q.MonthlyLimit, humanize.RelTime(q.ResetAt, now, "ago", "from now")))
	}
	return nil
}

func checkIP(q *models.IPQuota, empty bool, largest, total int64, count int, now time.Time) error {
	if q.Blocked {
		msg := "this address has been blocked"
		if q.BlockReason != "" {
			msg += ": " + q.BlockReason
		}
		return domain.QuotaError(domain.ReasonBlocked, msg)
	}
	if err := checkFileSize(empty, largest, q.MaxFileBytes); err != nil {
		return err
	}
	if q.MaxBatchBytes > 0 && total > q.MaxBatchBytes {
		return domain.QuotaError(domain.ReasonBatchBytes, fmt.Sprintf(
			"batch is %s, the limit is %s", humanize.IBytes(uint64(total)), humanize.IBytes(uint64(q.MaxBatchBytes))))
	}
	if q.MaxFilesPerBatch > 0 && count > q.MaxFilesPerBatch {
		return domain.QuotaError(domain.ReasonFileCount, fmt.Sprintf(
			"batch has %d files, the limit is %d", count, q.MaxFilesPerBatch))
	}
	if q.HourlyLimit > 0 && q.HourlyUsage >= q.HourlyLimit {
		next := now.UTC().Truncate(time.Hour).Add(time.Hour)
		return domain.QuotaError(domain.ReasonHourly, fmt.Sprintf(
			"hourly limit of %d reached, try again %s", q.HourlyLimit, humanize.RelTime(next, now, "ago", "from now")))
	}
	if q.DailyLimit > 0 && q.DailyUsage >= q.DailyLimit {
		return domain.QuotaError(domain.ReasonDaily, fmt.Sprintf(
			"daily limit of %d reached, try again tomorrow", q.DailyLimit))
	}
	return nil
}

func checkFileSize(empty bool, largest, max int64) error {
	if empty {
		return domain.QuotaError(domain.ReasonFileSize, "empty files cannot be processed")
	}
	if max > 0 && largest > max {
		return domain.QuotaError(domain.ReasonFileSize, fmt.Sprintf(
			"file is %s, the limit is %s", humanize.IBytes(uint64(largest)), humanize.IBytes(uint64(max))))
	}
	return nil
}

// Commit counts one unit of work for id on surface s. A batch is one unit.
func (l *Ledger) Commit(ctx context.Context, id domain.Identity, s domain.Surface) error {
	now := l.now()
	if id.Authenticated() {
		q, err := l.store.UpdateTenant(ctx, tenantSeed(id.TenantID, s, now), func(q *models.TenantQuota) error {
			RollTenant(q, now)
			q.MonthUsage++
			q.LastActionAt = now
			return nil
		})
		if err != nil {
			return fmt.Errorf("commit tenant quota: %w", err)
		}
		l.logger.Debug("quota committed", "subject", id.TenantID, "surface", s, "month_usage", q.MonthUsage)
		return nil
	}
	q, err := l.store.UpdateIP(ctx, ipSeed(id.ClientIP, s), func(q *models.IPQuota) error {
		RollIP(q, now)
		q.HourlyUsage++
		q.DailyUsage++
		q.LastActionAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit ip quota: %w", err)
	}
	l.logger.Debug("quota committed", "subject", id.ClientIP, "surface", s, "hourly_usage", q.HourlyUsage, "daily_usage", q.DailyUsage)
	return nil
}

// Features returns the tenant feature flags. Public identities get no features.
func (l *Ledger) Features(ctx context.Context, id domain.Identity, s domain.Surface) (Features, error) {
	if !id.Authenticated() {
		return Features{}, nil
	}
	q, err := l.store.UpdateTenant(ctx, tenantSeed(id.TenantID, s, l.now()), func(*models.TenantQuota) error {
		return errSkip
	})
	if err != nil {
		return Features{}, fmt.Errorf("load tenant features: %w", err)
	}
	return Features{
		CanUseLossless:   q.CanUseLossless,
		CanResize:        q.CanResize,
		CanCustomQuality: q.CanCustomQuality,
		MaxResolution:    q.MaxResolution,
	}, nil
}

// CheckBlocked refuses a blocked address before any per-file validation runs.
// Authenticated identities are never blocked.
func (l *Ledger) CheckBlocked(ctx context.Context, id domain.Identity, s domain.Surface) error {
	if id.Authenticated() {
		return nil
	}
	q, err := l.store.UpdateIP(ctx, ipSeed(id.ClientIP, s), func(*models.IPQuota) error { return errSkip })
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "quota lookup failed")
	}
	if q.Blocked {
		return checkIP(&q, false, 0, 0, 0, l.now())
	}
	return nil
}

// Block flags an address so every authorize on surface s is refused.
func (l *Ledger) Block(ctx context.Context, ip string, s domain.Surface, reason string) error {
	_, err := l.store.UpdateIP(ctx, ipSeed(ip, s), func(q *models.IPQuota) error {
		q.Blocked = true
		q.BlockReason = reason
		if q.LastActionAt.IsZero() {
			q.LastActionAt = l.now()
		}
		return nil
	})
	return err
}

// Usage returns the current rolled IP counters, for status displays and tests.
func (l *Ledger) Usage(ctx context.Context, id domain.Identity, s domain.Surface) (hourly, daily, monthly int, err error) {
	now := l.now()
	if id.Authenticated() {
		q, err := l.store.UpdateTenant(ctx, tenantSeed(id.TenantID, s, now), func(*models.TenantQuota) error { return errSkip })
		if err != nil {
			return 0, 0, 0, err
		}
		RollTenant(&q, now)
		return 0, 0, q.MonthUsage, nil
	}
	q, err := l.store.UpdateIP(ctx, ipSeed(id.ClientIP, s), func(*models.IPQuota) error { return errSkip })
	if err != nil {
		return 0, 0, 0, err
	}
	RollIP(&q, now)
	return q.HourlyUsage, q.DailyUsage, 0, nil
}

// DeleteIdle removes IP rows untouched for longer than idle.
func (l *Ledger) DeleteIdle(ctx context.Context, idle time.Duration) (int64, error) {
	return l.store.DeleteIdleIP(ctx, l.now().Add(-idle))
}

// ResetStale applies window rollover to every stale row.
func (l *Ledger) ResetStale(ctx context.Context) (int64, error) {
	return l.store.ResetStale(ctx, l.now())
}
