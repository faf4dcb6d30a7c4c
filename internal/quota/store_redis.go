package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fileforge/internal/domain"
	"fileforge/internal/models"
)

const maxWatchRetries = 8

// RedisStore keeps quota rows in Redis hashes, one per (subject, surface).
// Updates use WATCH/MULTI so concurrent commits never lose an increment.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fileforge:quota"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// ConnectRedis initializes a client from a redis:// URL or host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func (s *RedisStore) tenantKey(tenantID string, surface domain.Surface) string {
	return s.prefix + ":tenant:" + string(surface) + ":" + tenantID
}

func (s *RedisStore) ipKey(ip string, surface domain.Surface) string {
	return s.prefix + ":ip:" + string(surface) + ":" + ip
}

func (s *RedisStore) UpdateTenant(ctx context.Context, seed models.TenantQuota, fn func(q *models.TenantQuota) error) (models.TenantQuota, error) {
	key := s.tenantKey(seed.TenantID, seed.Surface)
	var row models.TenantQuota
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		row = seed
		if len(data) > 0 {
			decodeTenant(data, &row)
		}
		if err := fn(&row); err != nil {
			return err
		}
		row.UpdatedAt = time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, encodeTenant(row))
			return nil
		})
		return err
	})
	if errors.Is(err, errSkip) {
		return row, nil
	}
	return row, err
}

func (s *RedisStore) UpdateIP(ctx context.Context, seed models.IPQuota, fn func(q *models.IPQuota) error) (models.IPQuota, error) {
	key := s.ipKey(seed.IP, seed.Surface)
	var row models.IPQuota
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		row = seed
		if len(data) > 0 {
			decodeIP(data, &row)
		}
		if err := fn(&row); err != nil {
			return err
		}
		row.UpdatedAt = time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, encodeIP(row))
			// idle rows expire on their own after a week
			p.Expire(ctx, key, 8*24*time.Hour)
			return nil
		})
		return err
	})
	if errors.Is(err, errSkip) {
		return row, nil
	}
	return row, err
}

func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("quota update on %s: too much contention", key)
}

func (s *RedisStore) DeleteIdleIP(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	iter := s.client.Scan(ctx, 0, s.prefix+":ip:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.HGet(ctx, key, "last_action_at").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return deleted, err
		}
		if parseUnix(raw).Before(cutoff) {
			n, err := s.client.Del(ctx, key).Result()
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
	}
	return deleted, iter.Err()
}

func (s *RedisStore) ResetStale(ctx context.Context, now time.Time) (int64, error) {
	var total int64

	iter := s.client.Scan(ctx, 0, s.prefix+":ip:*", 200).Iterator()
	for iter.Next(ctx) {
		surface, ip, ok := s.splitKey(iter.Val(), ":ip:")
		if !ok {
			continue
		}
		changed := false
		_, err := s.UpdateIP(ctx, ipSeed(ip, surface), func(q *models.IPQuota) error {
			if !RollIP(q, now) {
				return errSkip
			}
			changed = true
			return nil
		})
		if err != nil {
			return total, err
		}
		if changed {
			total++
		}
	}
	if err := iter.Err(); err != nil {
		return total, err
	}

	iter = s.client.Scan(ctx, 0, s.prefix+":tenant:*", 200).Iterator()
	for iter.Next(ctx) {
		surface, tenant, ok := s.splitKey(iter.Val(), ":tenant:")
		if !ok {
			continue
		}
		changed := false
		_, err := s.UpdateTenant(ctx, tenantSeed(tenant, surface, now), func(q *models.TenantQuota) error {
			if !RollTenant(q, now) {
				return errSkip
			}
			changed = true
			return nil
		})
		if err != nil {
			return total, err
		}
		if changed {
			total++
		}
	}
	return total, iter.Err()
}

func (s *RedisStore) splitKey(key, kind string) (domain.Surface, string, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix+kind)
	if !ok {
		return "", "", false
	}
	surface, subject, ok := strings.Cut(rest, ":")
	if !ok {
		return "", "", false
	}
	sf, err := domain.ParseSurface(surface)
	if err != nil {
		return "", "", false
	}
	return sf, subject, true
}

func encodeTenant(q models.TenantQuota) map[string]any {
	return map[string]any{
		"monthly_limit":      q.MonthlyLimit,
		"month_usage":        q.MonthUsage,
		"max_file_bytes":     q.MaxFileBytes,
		"reset_at":           q.ResetAt.Unix(),
		"can_use_lossless":   strconv.FormatBool(q.CanUseLossless),
		"can_resize":         strconv.FormatBool(q.CanResize),
		"can_custom_quality": strconv.FormatBool(q.CanCustomQuality),
		"max_resolution":     q.MaxResolution,
		"last_action_at":     unixOrZero(q.LastActionAt),
	}
}

func decodeTenant(data map[string]string, q *models.TenantQuota) {
	q.MonthlyLimit = atoi(data["monthly_limit"], q.MonthlyLimit)
	q.MonthUsage = atoi(data["month_usage"], 0)
	q.MaxFileBytes = int64(atoi(data["max_file_bytes"], int(q.MaxFileBytes)))
	if t := parseUnix(data["reset_at"]); !t.IsZero() {
		q.ResetAt = t
	}
	q.CanUseLossless = parseBool(data["can_use_lossless"], q.CanUseLossless)
	q.CanResize = parseBool(data["can_resize"], q.CanResize)
	q.CanCustomQuality = parseBool(data["can_custom_quality"], q.CanCustomQuality)
	q.MaxResolution = atoi(data["max_resolution"], q.MaxResolution)
	q.LastActionAt = parseUnix(data["last_action_at"])
}

func encodeIP(q models.IPQuota) map[string]any {
	return map[string]any{
		"hourly_limit":        q.HourlyLimit,
		"hourly_usage":        q.HourlyUsage,
		"daily_limit":         q.DailyLimit,
		"daily_usage":         q.DailyUsage,
		"max_file_bytes":      q.MaxFileBytes,
		"max_files_per_batch": q.MaxFilesPerBatch,
		"max_batch_bytes":     q.MaxBatchBytes,
		"last_action_at":      unixOrZero(q.LastActionAt),
		"blocked":             strconv.FormatBool(q.Blocked),
		"block_reason":        q.BlockReason,
	}
}

func decodeIP(data map[string]string, q *models.IPQuota) {
	q.HourlyLimit = atoi(data["hourly_limit"], q.HourlyLimit)
	q.HourlyUsage = atoi(data["hourly_usage"], 0)
	q.DailyLimit = atoi(data["daily_limit"], q.DailyLimit)
	q.DailyUsage = atoi(data["daily_usage"], 0)
	q.MaxFileBytes = int64(atoi(data["max_file_bytes"], int(q.MaxFileBytes)))
	q.MaxFilesPerBatch = atoi(data["max_files_per_batch"], q.MaxFilesPerBatch)
	q.MaxBatchBytes = int64(atoi(data["max_batch_bytes"], int(q.MaxBatchBytes)))
	q.LastActionAt = parseUnix(data["last_action_at"])
	q.Blocked = parseBool(data["blocked"], false)
	q.BlockReason = data["block_reason"]
}

func atoi(raw string, fallback int) int {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return fallback
}

func parseBool(raw string, fallback bool) bool {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return fallback
}

func parseUnix(raw string) time.Time {
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
