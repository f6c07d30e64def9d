// Package postgres provides a PostgreSQL-backed QuotaLedger for tierrouter.
//
// Run and daily counters are stored in PostgreSQL tables and every mutation
// runs in a transaction that locks the run row before the daily row. This
// makes the heavy-tier budget safe to share across router instances and
// durable across restarts. Reservations always hold a pending slot.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/tierrouter"
)

// Ledger is a PostgreSQL-backed QuotaLedger.
type Ledger struct {
	pool        *pgxpool.Pool
	tablePrefix string
	limits      tierrouter.QuotaLimits
	now         func() time.Time
}

var _ tierrouter.QuotaLedger = (*Ledger)(nil)

// Option configures Ledger.
type Option func(*Ledger)

// WithTablePrefix sets the table name prefix (default "tierrouter_").
func WithTablePrefix(prefix string) Option {
	return func(l *Ledger) { l.tablePrefix = prefix }
}

// WithClock overrides the wall clock used for the daily window.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a new PostgreSQL-backed ledger.
func New(pool *pgxpool.Pool, limits tierrouter.QuotaLimits, opts ...Option) *Ledger {
	l := &Ledger{
		pool:        pool,
		tablePrefix: "tierrouter_",
		limits:      limits,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) runsTable() string  { return l.tablePrefix + "runs" }
func (l *Ledger) dailyTable() string { return l.tablePrefix + "daily" }

// EnsureSchema creates the required tables if they don't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT PRIMARY KEY,
			heavy_calls BIGINT NOT NULL DEFAULT 0,
			heavy_tokens BIGINT NOT NULL DEFAULT 0,
			pending_calls BIGINT NOT NULL DEFAULT 0,
			pending_tokens BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %s (
			day DATE PRIMARY KEY,
			heavy_calls BIGINT NOT NULL DEFAULT 0,
			pending BIGINT NOT NULL DEFAULT 0
		);
	`, l.runsTable(), l.dailyTable())
	_, err := l.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: ensure schema: %w", err)
	}
	return nil
}

// CheckEligible reads the counters without locking or mutating them.
func (l *Ledger) CheckEligible(ctx context.Context, runID string, tier tierrouter.Tier, estimatedTokens int64) (bool, error) {
	if tier != tierrouter.TierHeavy {
		return true, nil
	}

	run, day, err := l.read(ctx, l.pool, runID, tierrouter.DateKey(l.now()), false)
	if err != nil {
		return false, err
	}
	return l.limits.Admits(run, day, estimatedTokens), nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// read returns committed plus pending counters. With lock set the rows are
// selected FOR UPDATE, run row first.
func (l *Ledger) read(ctx context.Context, q querier, runID, date string, lock bool) (tierrouter.RunCounters, int64, error) {
	suffix := ""
	if lock {
		suffix = " FOR UPDATE"
	}

	var run tierrouter.RunCounters
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT heavy_calls + pending_calls, heavy_tokens + pending_tokens FROM %s WHERE run_id = $1%s`,
			l.runsTable(), suffix),
		runID,
	).Scan(&run.HeavyCalls, &run.HeavyTokens)
	if err != nil && err != pgx.ErrNoRows {
		return tierrouter.RunCounters{}, 0, fmt.Errorf("tierrouter/postgres: read run: %w", err)
	}

	var day int64
	err = q.QueryRow(ctx,
		fmt.Sprintf(`SELECT heavy_calls + pending FROM %s WHERE day = $1%s`, l.dailyTable(), suffix),
		date,
	).Scan(&day)
	if err != nil && err != pgx.ErrNoRows {
		return tierrouter.RunCounters{}, 0, fmt.Errorf("tierrouter/postgres: read daily: %w", err)
	}

	return run, day, nil
}

func (l *Ledger) ensureRows(ctx context.Context, tx pgx.Tx, runID, date string) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (run_id) VALUES ($1) ON CONFLICT DO NOTHING`, l.runsTable()),
		runID,
	)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: ensure run row: %w", err)
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (day) VALUES ($1) ON CONFLICT DO NOTHING`, l.dailyTable()),
		date,
	)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: ensure daily row: %w", err)
	}
	return nil
}

// Reserve checks limits and holds a pending slot in one transaction.
func (l *Ledger) Reserve(ctx context.Context, runID string, tier tierrouter.Tier, estimatedTokens int64) (tierrouter.Reservation, error) {
	res := tierrouter.Reservation{ID: uuid.New().String(), RunID: runID, Tier: tier, Tokens: estimatedTokens}
	if tier != tierrouter.TierHeavy {
		return res, nil
	}
	date := tierrouter.DateKey(l.now())

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.ensureRows(ctx, tx, runID, date); err != nil {
		return tierrouter.Reservation{}, err
	}

	run, day, err := l.read(ctx, tx, runID, date, true)
	if err != nil {
		return tierrouter.Reservation{}, err
	}
	if !l.limits.Admits(run, day, estimatedTokens) {
		return tierrouter.Reservation{}, fmt.Errorf("%w: run=%s calls=%d tokens=%d daily=%d",
			tierrouter.ErrQuotaExceeded, runID, run.HeavyCalls, run.HeavyTokens, day)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET pending_calls = pending_calls + 1, pending_tokens = pending_tokens + $1, updated_at = now()
			WHERE run_id = $2`, l.runsTable()),
		estimatedTokens, runID,
	)
	if err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: hold run: %w", err)
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET pending = pending + 1 WHERE day = $1`, l.dailyTable()),
		date,
	)
	if err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: hold daily: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: commit tx: %w", err)
	}

	res.Date = date
	res.Held = true
	return res, nil
}

// Commit finalizes a reservation with the actual usage.
func (l *Ledger) Commit(ctx context.Context, res tierrouter.Reservation, tokensIn, tokensOut int64) error {
	if res.Tier != tierrouter.TierHeavy {
		return nil
	}
	date := tierrouter.DateKey(l.now())

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.ensureRows(ctx, tx, res.RunID, date); err != nil {
		return err
	}

	held, heldTokens := int64(0), int64(0)
	if res.Held {
		held, heldTokens = 1, res.Tokens
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET
			heavy_calls = heavy_calls + 1,
			heavy_tokens = heavy_tokens + $1,
			pending_calls = GREATEST(pending_calls - $2, 0),
			pending_tokens = GREATEST(pending_tokens - $3, 0),
			updated_at = now()
			WHERE run_id = $4`, l.runsTable()),
		tokensIn+tokensOut, held, heldTokens, res.RunID,
	)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: commit run: %w", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET heavy_calls = heavy_calls + 1 WHERE day = $1`, l.dailyTable()),
		date,
	)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: commit daily: %w", err)
	}

	if res.Held {
		if err := l.dropDailyHold(ctx, tx, res.Date); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tierrouter/postgres: commit tx: %w", err)
	}
	return nil
}

// Release drops a held slot.
func (l *Ledger) Release(ctx context.Context, res tierrouter.Reservation) error {
	if res.Tier != tierrouter.TierHeavy || !res.Held {
		return nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET
			pending_calls = GREATEST(pending_calls - 1, 0),
			pending_tokens = GREATEST(pending_tokens - $1, 0),
			updated_at = now()
			WHERE run_id = $2`, l.runsTable()),
		res.Tokens, res.RunID,
	)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: release run: %w", err)
	}
	if err := l.dropDailyHold(ctx, tx, res.Date); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tierrouter/postgres: commit tx: %w", err)
	}
	return nil
}

func (l *Ledger) dropDailyHold(ctx context.Context, tx pgx.Tx, date string) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET pending = GREATEST(pending - 1, 0) WHERE day = $1`, l.dailyTable()),
		date,
	)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: release daily hold: %w", err)
	}
	return nil
}

// RunUsage returns the committed counters of a run.
func (l *Ledger) RunUsage(ctx context.Context, runID string) (tierrouter.RunCounters, error) {
	var run tierrouter.RunCounters
	err := l.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT heavy_calls, heavy_tokens FROM %s WHERE run_id = $1`, l.runsTable()),
		runID,
	).Scan(&run.HeavyCalls, &run.HeavyTokens)
	if err == pgx.ErrNoRows {
		return tierrouter.RunCounters{}, nil
	}
	if err != nil {
		return tierrouter.RunCounters{}, fmt.Errorf("tierrouter/postgres: run usage: %w", err)
	}
	return run, nil
}

// DailyUsage returns the committed counter of the current day.
func (l *Ledger) DailyUsage(ctx context.Context) (tierrouter.DailyCounters, error) {
	date := tierrouter.DateKey(l.now())
	out := tierrouter.DailyCounters{Date: date}
	err := l.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT heavy_calls FROM %s WHERE day = $1`, l.dailyTable()),
		date,
	).Scan(&out.HeavyCalls)
	if err == pgx.ErrNoRows {
		return out, nil
	}
	if err != nil {
		return tierrouter.DailyCounters{}, fmt.Errorf("tierrouter/postgres: daily usage: %w", err)
	}
	return out, nil
}

// Evict deletes run rows not touched since before.
func (l *Ledger) Evict(ctx context.Context, before time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE updated_at < $1 AND pending_calls = 0`, l.runsTable()),
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("tierrouter/postgres: evict: %w", err)
	}
	return tag.RowsAffected(), nil
}
