//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/tierrouter"
	quotapg "github.com/ineyio/tierrouter/quota/postgres"
)

var limits = tierrouter.QuotaLimits{MaxCallsPerRun: 3, MaxTokensPerRun: 1000, MaxCallsPerDay: 5}

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/tierrouter_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestLedger(t *testing.T, pool *pgxpool.Pool, opts ...quotapg.Option) *quotapg.Ledger {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	l := quotapg.New(pool, limits, append([]quotapg.Option{quotapg.WithTablePrefix(prefix)}, opts...)...)

	ctx := context.Background()
	if err := l.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %sruns, %sdaily", prefix, prefix))
	})
	return l
}

func TestReserveAndCommit(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "run1", tierrouter.TierHeavy, 100)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Held {
		t.Fatalf("reservation not held: %+v", res)
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
	l := newTestLedger(t, newTestPool(t))
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
	l := newTestLedger(t, newTestPool(t))
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
	if _, err := l.Reserve(ctx, "run1", tierrouter.TierHeavy, 10); !errors.Is(err, tierrouter.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestDailyRollover(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	l := newTestLedger(t, newTestPool(t), quotapg.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Reserve(ctx, fmt.Sprintf("run%d", i), tierrouter.TierHeavy, 10)
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

func TestConcurrentReserve(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
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

func TestEvict(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "run1", tierrouter.TierHeavy, 10)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Commit(ctx, res, 1, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	n, err := l.Evict(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if n != 1 {
		t.Errorf("evicted %d rows, want 1", n)
	}
	run, _ := l.RunUsage(ctx, "run1")
	if run.HeavyCalls != 0 {
		t.Errorf("run still present after evict: %+v", run)
	}
}
