//go:build integration

package redis_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tierrouter"
	quotaredis "github.com/ineyio/tierrouter/quota/redis"
)

var limits = tierrouter.QuotaLimits{MaxCallsPerRun: 3, MaxTokensPerRun: 1000, MaxCallsPerDay: 5}

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestLedger(t *testing.T, client *goredis.Client, opts ...quotaredis.Option) *quotaredis.Ledger {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	l := quotaredis.New(client, limits, append([]quotaredis.Option{quotaredis.WithKeyPrefix(prefix)}, opts...)...)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return l
}

func TestReserveAndCommit(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "run1", tierrouter.TierHeavy, 100)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Held || res.RunID != "run1" {
		t.Fatalf("unexpected reservation: %+v", res)
	}

	if err := l.Commit(ctx, res, 40, 80); err != nil {
		t.Fatalf("commit: %v", err)
	}

	run, err := l.RunUsage(ctx, "run1")
	if err != nil {
		t.Fatalf("run usage: %v", err)
	}
	if run.HeavyCalls != 1 || run.HeavyTokens != 120 {
		t.Errorf("run usage = %+v, want 1 call / 120 tokens", run)
	}

	day, err := l.DailyUsage(ctx)
	if err != nil {
		t.Fatalf("daily usage: %v", err)
	}
	if day.HeavyCalls != 1 {
		t.Errorf("daily calls = %d, want 1", day.HeavyCalls)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := l.Reserve(ctx, "run1", tierrouter.TierHeavy, 100)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if err := l.Release(ctx, res); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	run, _ := l.RunUsage(ctx, "run1")
	if run.HeavyCalls != 0 {
		t.Errorf("released reservations counted: %+v", run)
	}
}

func TestRunLimit(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Reserve(ctx, "run1", tierrouter.TierHeavy, 10)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if err := l.Commit(ctx, res, 5, 5); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	ok, err := l.CheckEligible(ctx, "run1", tierrouter.TierHeavy, 10)
	if err != nil || ok {
		t.Fatalf("CheckEligible = %v, %v; want false, nil", ok, err)
	}
	_, err = l.Reserve(ctx, "run1", tierrouter.TierHeavy, 10)
	if !errors.Is(err, tierrouter.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// Another run still has its own budget.
	if _, err := l.Reserve(ctx, "run2", tierrouter.TierHeavy, 10); err != nil {
		t.Fatalf("run2 reserve: %v", err)
	}
}

func TestTokenLimit(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()

	_, err := l.Reserve(ctx, "run1", tierrouter.TierHeavy, 1001)
	if !errors.Is(err, tierrouter.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestDailyRollover(t *testing.T) {
	client := newTestClient(t)
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	l := newTestLedger(t, client, quotaredis.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Reserve(ctx, "run"+string(rune('a'+i)), tierrouter.TierHeavy, 10)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if err := l.Commit(ctx, res, 1, 1); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if _, err := l.Reserve(ctx, "runz", tierrouter.TierHeavy, 10); !errors.Is(err, tierrouter.ErrQuotaExceeded) {
		t.Fatalf("expected daily limit, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := l.Reserve(ctx, "runz", tierrouter.TierHeavy, 10); err != nil {
		t.Fatalf("reserve after rollover: %v", err)
	}
}

func TestNonHeavyTierIsFree(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "run1", tierrouter.TierHighQuality, 1_000_000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Commit(ctx, res, 1, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	day, _ := l.DailyUsage(ctx)
	if day.HeavyCalls != 0 {
		t.Errorf("non-heavy commit counted: %+v", day)
	}
}

func TestConcurrentReserve(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "run1", tierrouter.TierHeavy, 10); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 3 {
		t.Errorf("successes = %d, want 3", got)
	}
}
