package quota

import (
	"time"

	"fileforge/internal/models"
)

// RollIP resets the hourly and daily usage of q when now falls in a different
// window than q.LastActionAt. Limits are never touched. It reports whether anything changed.
func RollIP(q *models.IPQuota, now time.Time) bool {
	if q.LastActionAt.IsZero() {
		return false
	}
	now = now.UTC()
	last := q.LastActionAt.UTC()
	changed := false

	sameDay := last.Truncate(24*time.Hour).Equal(now.Truncate(24 * time.Hour))
	sameHour := last.Truncate(time.Hour).Equal(now.Truncate(time.Hour))

	if !sameDay && q.DailyUsage != 0 {
		q.DailyUsage = 0
		changed = true
	}
	if (!sameHour || !sameDay) && q.HourlyUsage != 0 {
		q.HourlyUsage = 0
		changed = true
	}
	return changed
}

// RollTenant resets monthly usage once now reaches ResetAt and advances ResetAt
// to the first instant of the following month.
func RollTenant(q *models.TenantQuota, now time.Time) bool {
	if q.ResetAt.IsZero() {
		q.ResetAt = NextMonth(now)
		return true
	}
	if now.Before(q.ResetAt) {
		return false
	}
	q.MonthUsage = 0
	q.ResetAt = NextMonth(now)
	return true
}

// NextMonth returns 00:00 UTC on the first day of the month after t.
func NextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
