package tierrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Router routes completion requests across a tiered cascade of providers.
type Router struct {
	cfg       RoutingConfig
	providers []Provider
	priority  map[string]int
	limiters  map[string]*rate.Limiter

	ledger QuotaLedger
	stats  *StatsRegistry
	meter  Meter
	policy Policy
	health *HealthTracker
	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLedger sets the quota ledger. The default is a MemoryLedger built from
// the routing config.
func WithLedger(l QuotaLedger) Option {
	return func(r *Router) { r.ledger = l }
}

// WithStats sets the stats registry.
func WithStats(s *StatsRegistry) Option {
	return func(r *Router) { r.stats = s }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithPolicy sets the within-kind ordering policy.
func WithPolicy(p Policy) Option {
	return func(r *Router) { r.policy = p }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(r *Router) { r.health = h }
}

// WithLogger sets the logger used for provider failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithRateLimit throttles calls to the named provider. Waiting on the limiter
// delays dispatch; it never skips the provider.
func WithRateLimit(name string, rps float64, burst int) Option {
	return func(r *Router) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiters[name] = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithProviderPriority sets the priority of the named provider within its kind.
func WithProviderPriority(name string, priority int) Option {
	return func(r *Router) { r.priority[name] = priority }
}

// NewRouter creates a Router. An empty provider list is allowed: every request
// then fails with ErrAllProvidersFailed.
func NewRouter(cfg RoutingConfig, providers []Provider, opts ...Option) (*Router, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		name := p.Kind().Name
		if seen[name] {
			return nil, fmt.Errorf("tierrouter: duplicate provider name %q", name)
		}
		seen[name] = true
	}

	r := &Router{
		cfg:       cfg,
		providers: providers,
		priority:  make(map[string]int),
		limiters:  make(map[string]*rate.Limiter),
	}

	for _, opt := range opts {
		opt(r)
	}

	// Apply defaults after options.
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.ledger == nil {
		r.ledger = NewMemoryLedger(cfg.Limits(), WithAtomicity(cfg.Atomicity), WithLedgerLogger(r.logger))
	}
	if r.stats == nil {
		r.stats = NewStatsRegistry(WithStatsLogger(r.logger))
	}
	if r.meter == nil {
		r.meter = noopMeter{}
	}
	if r.policy == nil {
		r.policy = priorityOrder{}
	}
	if r.health == nil {
		r.health = NewHealthTracker()
	}

	return r, nil
}

// Config returns the effective routing config.
func (r *Router) Config() RoutingConfig { return r.cfg }

// Ledger returns the router's quota ledger.
func (r *Router) Ledger() QuotaLedger { return r.ledger }

// Complete routes one prompt through the cascade and returns the first
// successful completion. When every candidate fails it returns a *RoutingError
// wrapping ErrAllProvidersFailed with one Attempt per dispatched provider.
func (r *Router) Complete(ctx context.Context, prompt string, meta RequestMeta) (Output, error) {
	if meta.RunID == "" {
		return Output{}, ErrMissingRunID
	}
	if meta.EstimatedTokens <= 0 {
		meta.EstimatedTokens = EstimateTokens(prompt)
		meta.TokensApproximate = true
	}

	heavy := r.heavyEligible(ctx, meta)
	candidates := r.filterAvailable(ctx, meta.RunID, r.buildCandidates(meta, heavy))

	var attempts []Attempt
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return Output{}, &RoutingError{RunID: meta.RunID, Attempts: attempts, Err: err}
		}

		if lim, ok := r.limiters[c.Provider.Name]; ok {
			if err := lim.Wait(ctx); err != nil {
				return Output{}, &RoutingError{RunID: meta.RunID, Attempts: attempts, Err: err}
			}
		}

		res, err := r.ledger.Reserve(ctx, meta.RunID, c.Tier, meta.EstimatedTokens)
		if err != nil {
			if !errors.Is(err, ErrQuotaExceeded) {
				r.logger.Warn("tierrouter: quota reserve failed",
					"run_id", meta.RunID, "tier", c.Tier.String(), "provider", c.Provider.String(), "error", err)
			}
			r.meter.OnSkip(SkipEvent{RunID: meta.RunID, Provider: c.Provider, Tier: c.Tier, Reason: SkipQuota, Error: err})
			continue
		}

		r.meter.OnRoute(RouteEvent{
			RunID:           meta.RunID,
			Provider:        c.Provider,
			Tier:            c.Tier,
			Position:        i + 1,
			EstimatedTokens: meta.EstimatedTokens,
		})

		start := time.Now()
		resp, calls, err := Retry(ctx, r.retryPolicy(meta.RunID, c), func(ctx context.Context) (ProviderResponse, error) {
			return r.call(ctx, c, ProviderRequest{Prompt: prompt, RunID: meta.RunID})
		})
		duration := time.Since(start)

		if err != nil {
			// The hold is returned even if the caller gave up.
			if rerr := r.ledger.Release(context.WithoutCancel(ctx), res); rerr != nil {
				r.logger.Warn("tierrouter: quota release failed", "run_id", meta.RunID, "error", rerr)
			}

			// An adapter that became unusable after the availability check
			// is skipped like any unavailable one.
			if calls == 1 && errors.Is(err, ErrAdapterUnavailable) {
				r.meter.OnSkip(SkipEvent{RunID: meta.RunID, Provider: c.Provider, Tier: c.Tier, Reason: SkipUnavailable, Error: err})
				continue
			}

			r.health.RecordFailure(c.Provider, err)
			r.stats.RecordFailure(meta.RunID, FailureRecord{
				Tier:      c.Tier,
				Provider:  c.Provider,
				Calls:     calls,
				Status:    ErrorStatus(err),
				Latency:   duration,
				Timestamp: time.Now().UTC(),
			})
			r.meter.OnResult(ResultEvent{
				RunID:    meta.RunID,
				Provider: c.Provider,
				Tier:     c.Tier,
				Calls:    calls,
				Duration: duration,
				Error:    err,
			})
			r.logger.Warn("tierrouter: provider failed",
				"run_id", meta.RunID,
				"tier", c.Tier.String(),
				"provider", c.Provider.String(),
				"status", ErrorStatus(err),
				"calls", calls,
				"error", err,
			)

			attempts = append(attempts, Attempt{Provider: c.Provider, Tier: c.Tier, Calls: calls, Err: err})
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Output{}, &RoutingError{RunID: meta.RunID, Attempts: attempts, Err: ctxErr}
			}
			continue
		}

		return r.succeed(ctx, meta, c, res, resp, calls, duration, i > 0), nil
	}

	r.logger.Error("tierrouter: all providers failed",
		"run_id", meta.RunID, "candidates", len(candidates), "attempts", len(attempts))
	return Output{}, &RoutingError{RunID: meta.RunID, Attempts: attempts, Err: ErrAllProvidersFailed}
}

// heavyEligible reports whether the heavy tier leads the cascade: the request wants heavy, the
// profile enables it, and the ledger has room.
func (r *Router) heavyEligible(ctx context.Context, meta RequestMeta) bool {
	if !meta.WantsHeavy() || !r.cfg.EnableHeavy {
		return false
	}
	ok, err := r.ledger.CheckEligible(ctx, meta.RunID, TierHeavy, meta.EstimatedTokens)
	if err != nil {
		r.logger.Warn("tierrouter: quota check failed", "run_id", meta.RunID, "error", err)
		return false
	}
	return ok
}

// call runs one adapter call under the per-call deadline. Expiry of that
// deadline is a retryable timeout; caller cancellation is not.
func (r *Router) call(ctx context.Context, c Candidate, req ProviderRequest) (ProviderResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	resp, err := c.adapter.Complete(callCtx, req)
	if err == nil {
		if resp.Text == "" {
			return ProviderResponse{}, &ProviderError{Provider: c.Provider.Name, Message: "empty completion", Err: ErrMalformedResponse}
		}
		return resp, nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return ProviderResponse{}, &ProviderError{
			Provider: c.Provider.Name,
			Message:  fmt.Sprintf("no response within %s", r.cfg.CallTimeout),
			Err:      ErrTimeout,
		}
	}
	return ProviderResponse{}, err
}

// succeed commits quota and stats for a completed call. Both run detached from
// the caller's cancellation.
func (r *Router) succeed(ctx context.Context, meta RequestMeta, c Candidate, res Reservation, resp ProviderResponse, calls int, duration time.Duration, fallback bool) Output {
	commitCtx := context.WithoutCancel(ctx)

	approx := meta.TokensApproximate
	tokensIn := resp.TokensIn
	if tokensIn <= 0 {
		tokensIn = meta.EstimatedTokens
		approx = true
	}
	tokensOut := resp.TokensOut
	if tokensOut <= 0 {
		tokensOut = EstimateTokens(resp.Text)
		approx = true
	}

	if err := r.ledger.Commit(commitCtx, res, tokensIn, tokensOut); err != nil {
		r.logger.Error("tierrouter: quota commit failed",
			"run_id", meta.RunID, "tier", c.Tier.String(), "provider", c.Provider.String(), "error", err)
	}
	r.stats.Record(commitCtx, meta.RunID, CallRecord{
		Tier:      c.Tier,
		Provider:  c.Provider,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Latency:   duration,
		Fallback:  fallback,
		Timestamp: time.Now().UTC(),
	})
	r.health.RecordSuccess(c.Provider)
	r.meter.OnResult(ResultEvent{
		RunID:     meta.RunID,
		Provider:  c.Provider,
		Tier:      c.Tier,
		Success:   true,
		Calls:     calls,
		Duration:  duration,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	})

	return Output{
		Text:              resp.Text,
		TokensInEstimate:  tokensIn,
		TokensOutEstimate: tokensOut,
		TokensApproximate: approx,
		Provider:          c.Provider,
		Tier:              c.Tier,
		Attempts:          calls,
		RunID:             meta.RunID,
	}
}

func (r *Router) retryPolicy(runID string, c Candidate) RetryPolicy {
	p := r.cfg.RetryPolicy()
	p.OnRetry = func(err error, attempt int, delay time.Duration) {
		r.logger.Debug("tierrouter: retrying provider call",
			"run_id", runID,
			"provider", c.Provider.String(),
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"status", ErrorStatus(err),
		)
	}
	return p
}

// RunStats returns the call records of a run.
func (r *Router) RunStats(runID string) []CallRecord {
	return r.stats.Snapshot(runID)
}

// RunFailures returns the failed provider dispatches of a run.
func (r *Router) RunFailures(runID string) []FailureRecord {
	return r.stats.Failures(runID)
}

// RunSummary aggregates the call records and failures of a run.
func (r *Router) RunSummary(runID string) RunSummary {
	return r.stats.Summary(runID)
}

// Runs returns the run IDs with recorded calls.
func (r *Router) Runs() []string {
	return r.stats.Runs()
}

// ProviderStatus is the reported state of one registered provider.
type ProviderStatus struct {
	Provider    ProviderKind `json:"provider"`
	Tier        string       `json:"tier"`
	Available   bool         `json:"available"`
	Health      string       `json:"health"`
	Failures    int          `json:"failures"`
	LastError   string       `json:"last_error,omitempty"`
	LastSuccess *time.Time   `json:"last_success,omitempty"`
}

// Health reports every registered provider, in registration order.
func (r *Router) Health(ctx context.Context) []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		snap := r.health.Snapshot(p.Kind())
		st := ProviderStatus{
			Provider:  p.Kind(),
			Tier:      p.Tier().String(),
			Available: p.Available(ctx),
			Health:    snap.State.String(),
			Failures:  snap.Failures,
			LastError: snap.LastError,
		}
		if !snap.LastSuccess.IsZero() {
			ts := snap.LastSuccess
			st.LastSuccess = &ts
		}
		out = append(out, st)
	}
	return out
}
