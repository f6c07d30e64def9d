// Package redis provides a Redis-backed QuotaLedger for tierrouter.
//
// Run and daily counters live in Redis hashes and every mutation is a Lua
// script, so several router instances can share one heavy-tier budget.
// Reservations always hold a pending slot (strict atomicity).
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tierrouter"
)

// Ledger is a Redis-backed QuotaLedger.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
	limits    tierrouter.QuotaLimits
	runTTL    time.Duration
	now       func() time.Time
}

var _ tierrouter.QuotaLedger = (*Ledger)(nil)

// Option configures Ledger.
type Option func(*Ledger)

// WithKeyPrefix sets the Redis key prefix (default "tierrouter:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// WithRunTTL sets how long idle run counters are kept (default 7 days).
func WithRunTTL(d time.Duration) Option {
	return func(l *Ledger) { l.runTTL = d }
}

// WithClock overrides the wall clock used for the daily window.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a new Redis-backed ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, limits tierrouter.QuotaLimits, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		keyPrefix: "tierrouter:quota:",
		limits:    limits,
		runTTL:    7 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) runKey(runID string) string { return l.keyPrefix + "run:" + runID }
func (l *Ledger) dayKey(date string) string  { return l.keyPrefix + "day:" + date }

const dayTTL = 48 * time.Hour

// reserveScript checks limits and holds a pending slot.
// KEYS[1] = run hash, KEYS[2] = day hash
// ARGV[1] = max calls per run, ARGV[2] = max tokens per run,
// ARGV[3] = max calls per day, ARGV[4] = estimated tokens,
// ARGV[5] = run ttl (s), ARGV[6] = day ttl (s)
//
// Returns 1 when reserved, 0 when a limit would be exceeded.
var reserveScript = goredis.NewScript(`
local run_key = KEYS[1]
local day_key = KEYS[2]
local max_run_calls = tonumber(ARGV[1])
local max_run_tokens = tonumber(ARGV[2])
local max_day_calls = tonumber(ARGV[3])
local est = tonumber(ARGV[4])

local calls = tonumber(redis.call("HGET", run_key, "calls") or "0")
                + tonumber(redis.call("HGET", run_key, "pending_calls") or "0")
local tokens = tonumber(redis.call("HGET", run_key, "tokens") or "0")
                + tonumber(redis.call("HGET", run_key, "pending_tokens") or "0")
local day = tonumber(redis.call("HGET", day_key, "calls") or "0")
                + tonumber(redis.call("HGET", day_key, "pending") or "0")

if calls >= max_run_calls or tokens + est > max_run_tokens or day >= max_day_calls then
    return 0
end

redis.call("HINCRBY", run_key, "pending_calls", 1)
redis.call("HINCRBY", run_key, "pending_tokens", est)
redis.call("HINCRBY", day_key, "pending", 1)
redis.call("EXPIRE", run_key, tonumber(ARGV[5]))
redis.call("EXPIRE", day_key, tonumber(ARGV[6]))
return 1
`)

// commitScript converts a held slot into spent quota.
// KEYS[1] = run hash, KEYS[2] = day hash of the commit date,
// KEYS[3] = day hash of the reservation date
// ARGV[1] = held tokens, ARGV[2] = actual tokens, ARGV[3] = run ttl, ARGV[4] = day ttl
var commitScript = goredis.NewScript(`
local run_key = KEYS[1]
local day_key = KEYS[2]
local res_day_key = KEYS[3]

if tonumber(redis.call("HGET", run_key, "pending_calls") or "0") > 0 then
    redis.call("HINCRBY", run_key, "pending_calls", -1)
    redis.call("HINCRBY", run_key, "pending_tokens", -tonumber(ARGV[1]))
end
if tonumber(redis.call("HGET", res_day_key, "pending") or "0") > 0 then
    redis.call("HINCRBY", res_day_key, "pending", -1)
end

redis.call("HINCRBY", run_key, "calls", 1)
redis.call("HINCRBY", run_key, "tokens", tonumber(ARGV[2]))
redis.call("HINCRBY", day_key, "calls", 1)
redis.call("EXPIRE", run_key, tonumber(ARGV[3]))
redis.call("EXPIRE", day_key, tonumber(ARGV[4]))
return 1
`)

// releaseScript drops a held slot.
// KEYS[1] = run hash, KEYS[2] = day hash of the reservation date
// ARGV[1] = held tokens
var releaseScript = goredis.NewScript(`
local run_key = KEYS[1]
local res_day_key = KEYS[2]
if tonumber(redis.call("HGET", run_key, "pending_calls") or "0") > 0 then
    redis.call("HINCRBY", run_key, "pending_calls", -1)
    redis.call("HINCRBY", run_key, "pending_tokens", -tonumber(ARGV[1]))
end
if tonumber(redis.call("HGET", res_day_key, "pending") or "0") > 0 then
    redis.call("HINCRBY", res_day_key, "pending", -1)
end
return 1
`)

// CheckEligible reads both hashes without mutating them.
func (l *Ledger) CheckEligible(ctx context.Context, runID string, tier tierrouter.Tier, estimatedTokens int64) (bool, error) {
	if tier != tierrouter.TierHeavy {
		return true, nil
	}

	run, err := l.client.HMGet(ctx, l.runKey(runID), "calls", "tokens", "pending_calls", "pending_tokens").Result()
	if err != nil {
		return false, fmt.Errorf("tierrouter/redis: check run: %w", err)
	}
	day, err := l.client.HMGet(ctx, l.dayKey(tierrouter.DateKey(l.now())), "calls", "pending").Result()
	if err != nil {
		return false, fmt.Errorf("tierrouter/redis: check day: %w", err)
	}

	counters := tierrouter.RunCounters{
		HeavyCalls:  toInt(run[0]) + toInt(run[2]),
		HeavyTokens: toInt(run[1]) + toInt(run[3]),
	}
	return l.limits.Admits(counters, toInt(day[0])+toInt(day[1]), estimatedTokens), nil
}

// Reserve atomically checks limits and holds a pending slot.
func (l *Ledger) Reserve(ctx context.Context, runID string, tier tierrouter.Tier, estimatedTokens int64) (tierrouter.Reservation, error) {
	res := tierrouter.Reservation{ID: uuid.New().String(), RunID: runID, Tier: tier, Tokens: estimatedTokens}
	if tier != tierrouter.TierHeavy {
		return res, nil
	}

	date := tierrouter.DateKey(l.now())
	result, err := reserveScript.Run(ctx, l.client,
		[]string{l.runKey(runID), l.dayKey(date)},
		l.limits.MaxCallsPerRun, l.limits.MaxTokensPerRun, l.limits.MaxCallsPerDay,
		estimatedTokens, int64(l.runTTL.Seconds()), int64(dayTTL.Seconds()),
	).Int64()
	if err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/redis: reserve: %w", err)
	}

	switch result {
	case 1:
		res.Date = date
		res.Held = true
		return res, nil
	case 0:
		return tierrouter.Reservation{}, fmt.Errorf("%w: run=%s", tierrouter.ErrQuotaExceeded, runID)
	default:
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/redis: unexpected reserve result: %d", result)
	}
}

// Commit finalizes a reservation with the actual usage.
func (l *Ledger) Commit(ctx context.Context, res tierrouter.Reservation, tokensIn, tokensOut int64) error {
	if res.Tier != tierrouter.TierHeavy {
		return nil
	}

	date := tierrouter.DateKey(l.now())
	resDate := res.Date
	if resDate == "" || !res.Held {
		resDate = "none"
	}
	held := int64(0)
	if res.Held {
		held = res.Tokens
	}

	_, err := commitScript.Run(ctx, l.client,
		[]string{l.runKey(res.RunID), l.dayKey(date), l.dayKey(resDate)},
		held, tokensIn+tokensOut, int64(l.runTTL.Seconds()), int64(dayTTL.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("tierrouter/redis: commit: %w", err)
	}
	return nil
}

// Release drops a held slot.
func (l *Ledger) Release(ctx context.Context, res tierrouter.Reservation) error {
	if res.Tier != tierrouter.TierHeavy || !res.Held {
		return nil
	}

	_, err := releaseScript.Run(ctx, l.client,
		[]string{l.runKey(res.RunID), l.dayKey(res.Date)},
		res.Tokens,
	).Result()
	if err != nil {
		return fmt.Errorf("tierrouter/redis: release: %w", err)
	}
	return nil
}

// RunUsage returns the committed counters of a run.
func (l *Ledger) RunUsage(ctx context.Context, runID string) (tierrouter.RunCounters, error) {
	vals, err := l.client.HMGet(ctx, l.runKey(runID), "calls", "tokens").Result()
	if err != nil {
		return tierrouter.RunCounters{}, fmt.Errorf("tierrouter/redis: run usage: %w", err)
	}
	return tierrouter.RunCounters{HeavyCalls: toInt(vals[0]), HeavyTokens: toInt(vals[1])}, nil
}

// DailyUsage returns the committed counter of the current day.
func (l *Ledger) DailyUsage(ctx context.Context) (tierrouter.DailyCounters, error) {
	date := tierrouter.DateKey(l.now())
	v, err := l.client.HGet(ctx, l.dayKey(date), "calls").Result()
	if err == goredis.Nil {
		return tierrouter.DailyCounters{Date: date}, nil
	}
	if err != nil {
		return tierrouter.DailyCounters{}, fmt.Errorf("tierrouter/redis: daily usage: %w", err)
	}
	return tierrouter.DailyCounters{HeavyCalls: toInt(v), Date: date}, nil
}

func toInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
