package tierrouter

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RecordSink durably stores call records. It is written to after every
// append and never read for routing.
type RecordSink interface {
	Append(ctx context.Context, runID string, rec CallRecord) error
}

// StatsRegistry is the append-only, per-run record of completed calls. It also
// keeps the providers that failed, for reporting only.
type StatsRegistry struct {
	mu    sync.RWMutex
	runs  map[string]*runRecords
	order []string

	sink   RecordSink
	logger *slog.Logger
}

type runRecords struct {
	mu       sync.Mutex
	records  []CallRecord
	failures []FailureRecord
}

// TierSummary aggregates successful calls of one tier.
type TierSummary struct {
	Calls        int   `json:"calls"`
	TokensIn     int64 `json:"tokens_in"`
	TokensOut    int64 `json:"tokens_out"`
	AvgLatencyMS int64 `json:"avg_latency_ms"`
}

// ProviderSummary counts the outcomes of one provider.
type ProviderSummary struct {
	Successes   int     `json:"successes"`
	Failures    int     `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
}

// RunSummary aggregates the records of one run.
type RunSummary struct {
	RunID       string                     `json:"run_id"`
	Calls       int                        `json:"calls"`
	Failures    int                        `json:"failures"`
	Fallbacks   int                        `json:"fallbacks"`
	TokensIn    int64                      `json:"tokens_in"`
	TokensOut   int64                      `json:"tokens_out"`
	HeavyCalls  int                        `json:"heavy_calls"`
	HeavyTokens int64                      `json:"heavy_tokens"`
	ByTier      map[string]TierSummary     `json:"by_tier"`
	ByProvider  map[string]ProviderSummary `json:"by_provider"`
}

// StatsOption configures a StatsRegistry.
type StatsOption func(*StatsRegistry)

// WithRecordSink mirrors every record to a durable sink.
func WithRecordSink(sink RecordSink) StatsOption {
	return func(s *StatsRegistry) { s.sink = sink }
}

// WithStatsLogger sets the logger for sink failures.
func WithStatsLogger(logger *slog.Logger) StatsOption {
	return func(s *StatsRegistry) { s.logger = logger }
}

// NewStatsRegistry creates an empty registry.
func NewStatsRegistry(opts ...StatsOption) *StatsRegistry {
	s := &StatsRegistry{
		runs:   make(map[string]*runRecords),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends rec to the run. Sink failures are logged, not returned.
func (s *StatsRegistry) Record(ctx context.Context, runID string, rec CallRecord) {
	r := s.run(runID)
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.Append(ctx, runID, rec); err != nil {
			s.logger.Warn("tierrouter: persist call record", "run_id", runID, "error", err)
		}
	}
}

// RecordFailure appends a failed provider dispatch to the run.
func (s *StatsRegistry) RecordFailure(runID string, f FailureRecord) {
	r := s.run(runID)
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
}

// Failures returns a copy of the failed dispatches of a run, in append order.
func (s *StatsRegistry) Failures(runID string) []FailureRecord {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FailureRecord, len(r.failures))
	copy(out, r.failures)
	return out
}

// Snapshot returns a copy of the records of a run, in append order.
func (s *StatsRegistry) Snapshot(runID string) []CallRecord {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Runs returns the known run IDs in first-seen order.
func (s *StatsRegistry) Runs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Summary aggregates the records and failures of a run.
func (s *StatsRegistry) Summary(runID string) RunSummary {
	return Summarize(runID, s.Snapshot(runID), s.Failures(runID))
}

// Summarize aggregates records and failures.
func Summarize(runID string, records []CallRecord, failures []FailureRecord) RunSummary {
	sum := RunSummary{
		RunID:      runID,
		ByTier:     make(map[string]TierSummary),
		ByProvider: make(map[string]ProviderSummary),
	}
	latency := make(map[string]time.Duration)
	for _, rec := range records {
		sum.Calls++
		sum.TokensIn += rec.TokensIn
		sum.TokensOut += rec.TokensOut
		if rec.Tier == TierHeavy {
			sum.HeavyCalls++
			sum.HeavyTokens += rec.TokensIn + rec.TokensOut
		}
		if rec.Fallback {
			sum.Fallbacks++
		}

		ts := sum.ByTier[rec.Tier.String()]
		ts.Calls++
		ts.TokensIn += rec.TokensIn
		ts.TokensOut += rec.TokensOut
		sum.ByTier[rec.Tier.String()] = ts
		latency[rec.Tier.String()] += rec.Latency

		ps := sum.ByProvider[rec.Provider.String()]
		ps.Successes++
		sum.ByProvider[rec.Provider.String()] = ps
	}
	for _, f := range failures {
		sum.Failures++
		ps := sum.ByProvider[f.Provider.String()]
		ps.Failures++
		sum.ByProvider[f.Provider.String()] = ps
	}

	for name, ts := range sum.ByTier {
		ts.AvgLatencyMS = (latency[name] / time.Duration(ts.Calls)).Milliseconds()
		sum.ByTier[name] = ts
	}
	for name, ps := range sum.ByProvider {
		ps.SuccessRate = float64(ps.Successes) / float64(ps.Successes+ps.Failures)
		sum.ByProvider[name] = ps
	}
	return sum
}

func (s *StatsRegistry) run(runID string) *runRecords {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.runs[runID]; ok {
		return r
	}
	r = &runRecords{}
	s.runs[runID] = r
	s.order = append(s.order, runID)
	return r
}
