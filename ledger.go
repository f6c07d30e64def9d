package tierrouter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QuotaLedger tracks heavy-tier consumption per run and per calendar day.
//
// CheckEligible never mutates. Reserve re-checks eligibility immediately before
// dispatch and, depending on the ledger, may hold a pending slot that Commit
// converts into spent quota or Release drops. Non-heavy tiers are always
// eligible and their reservations are no-ops.
type QuotaLedger interface {
	CheckEligible(ctx context.Context, runID string, tier Tier, estimatedTokens int64) (bool, error)
	Reserve(ctx context.Context, runID string, tier Tier, estimatedTokens int64) (Reservation, error)
	Commit(ctx context.Context, res Reservation, tokensIn, tokensOut int64) error
	Release(ctx context.Context, res Reservation) error
	RunUsage(ctx context.Context, runID string) (RunCounters, error)
	DailyUsage(ctx context.Context) (DailyCounters, error)
}

// Reservation is the handle returned by Reserve.
type Reservation struct {
	ID     string
	RunID  string
	Tier   Tier
	Tokens int64  // estimated tokens held
	Date   string // UTC date the hold was taken on
	Held   bool   // true when a pending slot is held
}

// QuotaLimits are the heavy-tier limits. A zero limit admits nothing.
type QuotaLimits struct {
	MaxCallsPerRun  int64
	MaxTokensPerRun int64
	MaxCallsPerDay  int64
}

// Limits extracts the heavy-tier limits from the config.
func (c RoutingConfig) Limits() QuotaLimits {
	return QuotaLimits{
		MaxCallsPerRun:  c.HeavyMaxCallsPerRun,
		MaxTokensPerRun: c.HeavyMaxTokensPerRun,
		MaxCallsPerDay:  c.HeavyMaxCallsPerDay,
	}
}

// Admits reports whether one more heavy call of estimatedTokens fits.
func (l QuotaLimits) Admits(run RunCounters, daily int64, estimatedTokens int64) bool {
	return run.HeavyCalls < l.MaxCallsPerRun &&
		run.HeavyTokens+estimatedTokens <= l.MaxTokensPerRun &&
		daily < l.MaxCallsPerDay
}

// DailyStore persists the daily heavy-call counter across restarts. Load returns
// zero when no state exists for date.
type DailyStore interface {
	Load(ctx context.Context, date string) (int64, error)
	Save(ctx context.Context, date string, calls int64) error
}

// DateKey formats t as the UTC calendar date used for daily windows.
func DateKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// MemoryLedger is the in-process QuotaLedger. It uses one lock per run plus one
// lock for the daily counter; locks are always taken in that order and never
// held across DailyStore I/O.
type MemoryLedger struct {
	limits    QuotaLimits
	atomicity Atomicity
	store     DailyStore
	now       func() time.Time
	logger    *slog.Logger

	runsMu sync.Mutex
	runs   map[string]*runEntry

	dailyMu sync.Mutex
	daily   dailyEntry
}

type runEntry struct {
	mu            sync.Mutex
	counters      RunCounters
	pendingCalls  int64
	pendingTokens int64
}

type dailyEntry struct {
	date    string
	calls   int64
	pending int64
	loaded  bool
}

var _ QuotaLedger = (*MemoryLedger)(nil)

// LedgerOption configures a MemoryLedger.
type LedgerOption func(*MemoryLedger)

// WithAtomicity sets the reservation mode (default AtomicityStrict).
func WithAtomicity(a Atomicity) LedgerOption {
	return func(l *MemoryLedger) { l.atomicity = a }
}

// WithDailyStore persists the daily counter.
func WithDailyStore(s DailyStore) LedgerOption {
	return func(l *MemoryLedger) { l.store = s }
}

// WithClock overrides the wall clock used for daily rollover.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *MemoryLedger) { l.now = now }
}

// WithLedgerLogger sets the logger for persistence failures.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *MemoryLedger) { l.logger = logger }
}

// NewMemoryLedger creates a ledger enforcing limits.
func NewMemoryLedger(limits QuotaLimits, opts ...LedgerOption) *MemoryLedger {
	l := &MemoryLedger{
		limits:    limits,
		atomicity: AtomicityStrict,
		now:       time.Now,
		logger:    slog.Default(),
		runs:      make(map[string]*runEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckEligible reports whether a heavy call would currently be admitted.
func (l *MemoryLedger) CheckEligible(ctx context.Context, runID string, tier Tier, estimatedTokens int64) (bool, error) {
	if tier != TierHeavy {
		return true, nil
	}
	l.syncDay(ctx)

	var run RunCounters
	if e := l.lookup(runID); e != nil {
		e.mu.Lock()
		run = e.withPending()
		e.mu.Unlock()
	}

	l.dailyMu.Lock()
	daily := l.daily.calls + l.daily.pending
	l.dailyMu.Unlock()

	return l.limits.Admits(run, daily, estimatedTokens), nil
}

// Reserve re-checks eligibility under the run and daily locks. In strict mode
// it holds a pending slot until Commit or Release.
func (l *MemoryLedger) Reserve(ctx context.Context, runID string, tier Tier, estimatedTokens int64) (Reservation, error) {
	res := Reservation{ID: uuid.NewString(), RunID: runID, Tier: tier, Tokens: estimatedTokens}
	if tier != TierHeavy {
		return res, nil
	}
	l.syncDay(ctx)

	e := l.entry(runID)
	e.mu.Lock()
	defer e.mu.Unlock()
	l.dailyMu.Lock()
	defer l.dailyMu.Unlock()

	run := e.withPending()
	daily := l.daily.calls + l.daily.pending
	if !l.limits.Admits(run, daily, estimatedTokens) {
		return Reservation{}, fmt.Errorf("%w: run=%s calls=%d/%d tokens=%d+%d/%d daily=%d/%d",
			ErrQuotaExceeded, runID,
			run.HeavyCalls, l.limits.MaxCallsPerRun,
			run.HeavyTokens, estimatedTokens, l.limits.MaxTokensPerRun,
			daily, l.limits.MaxCallsPerDay)
	}

	res.Date = l.daily.date
	if l.atomicity == AtomicityStrict {
		e.pendingCalls++
		e.pendingTokens += estimatedTokens
		l.daily.pending++
		res.Held = true
	}
	return res, nil
}

// Commit records a completed heavy call. It runs regardless of whether the
// caller's context is still live; the spend already happened.
func (l *MemoryLedger) Commit(ctx context.Context, res Reservation, tokensIn, tokensOut int64) error {
	if res.Tier != TierHeavy {
		return nil
	}
	l.syncDay(ctx)

	e := l.entry(res.RunID)
	e.mu.Lock()
	l.dailyMu.Lock()

	if res.Held {
		e.pendingCalls--
		e.pendingTokens -= res.Tokens
		if res.Date == l.daily.date {
			l.daily.pending--
		}
	}
	e.counters.HeavyCalls++
	e.counters.HeavyTokens += tokensIn + tokensOut
	l.daily.calls++
	date, calls := l.daily.date, l.daily.calls

	l.dailyMu.Unlock()
	e.mu.Unlock()

	l.save(ctx, date, calls)
	return nil
}

// Release drops a pending hold without spending quota.
func (l *MemoryLedger) Release(_ context.Context, res Reservation) error {
	if res.Tier != TierHeavy || !res.Held {
		return nil
	}

	e := l.entry(res.RunID)
	e.mu.Lock()
	defer e.mu.Unlock()
	l.dailyMu.Lock()
	defer l.dailyMu.Unlock()

	e.pendingCalls--
	e.pendingTokens -= res.Tokens
	if res.Date == l.daily.date {
		l.daily.pending--
	}
	return nil
}

// RunUsage returns the committed counters of a run.
func (l *MemoryLedger) RunUsage(_ context.Context, runID string) (RunCounters, error) {
	e := l.lookup(runID)
	if e == nil {
		return RunCounters{}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters, nil
}

// DailyUsage returns the committed counter of the current day.
func (l *MemoryLedger) DailyUsage(ctx context.Context) (DailyCounters, error) {
	l.syncDay(ctx)
	l.dailyMu.Lock()
	defer l.dailyMu.Unlock()
	return DailyCounters{HeavyCalls: l.daily.calls, Date: l.daily.date}, nil
}

// Evict drops the counters of a finished run.
func (l *MemoryLedger) Evict(runID string) {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()
	delete(l.runs, runID)
}

func (l *MemoryLedger) lookup(runID string) *runEntry {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()
	return l.runs[runID]
}

func (l *MemoryLedger) entry(runID string) *runEntry {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()
	e, ok := l.runs[runID]
	if !ok {
		e = &runEntry{}
		l.runs[runID] = e
	}
	return e
}

// withPending returns committed plus held usage. Must be called with e.mu held.
func (e *runEntry) withPending() RunCounters {
	return RunCounters{
		HeavyCalls:  e.counters.HeavyCalls + e.pendingCalls,
		HeavyTokens: e.counters.HeavyTokens + e.pendingTokens,
	}
}

// syncDay resets the daily counter when the date has rolled over and, once per
// date, merges persisted state. Persisted state can only raise the counter.
func (l *MemoryLedger) syncDay(ctx context.Context) {
	today := DateKey(l.now())

	l.dailyMu.Lock()
	if l.daily.date != today {
		l.daily = dailyEntry{date: today}
	}
	needLoad := !l.daily.loaded && l.store != nil
	l.daily.loaded = true
	l.dailyMu.Unlock()

	if !needLoad {
		return
	}

	calls, err := l.store.Load(ctx, today)
	if err != nil {
		l.logger.Warn("tierrouter: load daily quota state", "date", today, "error", err)
		return
	}

	l.dailyMu.Lock()
	if l.daily.date == today && calls > l.daily.calls {
		l.daily.calls = calls
	}
	l.dailyMu.Unlock()
}

func (l *MemoryLedger) save(ctx context.Context, date string, calls int64) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(context.WithoutCancel(ctx), date, calls); err != nil {
		l.logger.Warn("tierrouter: save daily quota state", "date", date, "error", err)
	}
}
