package quota

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"fileforge/internal/domain"
)

// newRedisLedger needs a live server; set REDIS_URL to run these tests.
func newRedisLedger(t *testing.T, start time.Time) (*Ledger, *clock) {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := ConnectRedis(url)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	prefix := fmt.Sprintf("fileforge-test:%s:%d", t.Name(), time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	c := &clock{t: start}
	return NewLedger(NewRedisStore(client, prefix), nil).WithClock(c.Now), c
}

func TestRedisConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLedger(t, time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC))
	auth := domain.TenantIdentity("brand-r", "u")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Commit(ctx, auth, domain.SurfaceConversion); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	_, _, monthly, err := l.Usage(ctx, auth, domain.SurfaceConversion)
	if err != nil || monthly != 10 {
		t.Fatalf("monthly = %d, %v", monthly, err)
	}
}

func TestRedisHourlyCapAndRollover(t *testing.T) {
	ctx := context.Background()
	l, c := newRedisLedger(t, time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC))
	pub := domain.PublicIdentity("198.51.100.20", "ua")
	limit := domain.PolicyFor(domain.SurfacePublicConversion).HourlyLimit

	for i := 0; i < limit; i++ {
		if err := l.Commit(ctx, pub, domain.SurfacePublicConversion); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Authorize(ctx, pub, domain.SurfacePublicConversion, 10); domain.ReasonOf(err) != domain.ReasonHourly {
		t.Fatalf("expected hourly cap, got %v", err)
	}
	c.Advance(time.Hour + time.Second)
	if err := l.Authorize(ctx, pub, domain.SurfacePublicConversion, 10); err != nil {
		t.Fatalf("after rollover: %v", err)
	}
}
