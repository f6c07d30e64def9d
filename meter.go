package tierrouter

import "time"

// Meter observes routing events for monitoring/logging.
type Meter interface {
	// OnRoute is called when a candidate is about to be dispatched.
	OnRoute(event RouteEvent)

	// OnResult is called when a candidate's retry loop ends.
	OnResult(event ResultEvent)

	// OnSkip is called when a candidate is removed before dispatch.
	OnSkip(event SkipEvent)
}

// RouteEvent describes a dispatch decision.
type RouteEvent struct {
	RunID           string
	Provider        ProviderKind
	Tier            Tier
	Position        int // 1-based position in the cascade
	EstimatedTokens int64
}

// ResultEvent describes the outcome of one candidate.
type ResultEvent struct {
	RunID     string
	Provider  ProviderKind
	Tier      Tier
	Success   bool
	Calls     int
	Duration  time.Duration
	TokensIn  int64
	TokensOut int64
	Error     error
}

// SkipReason says why a candidate was not dispatched.
type SkipReason string

const (
	SkipUnavailable SkipReason = "unavailable"
	SkipQuota       SkipReason = "quota"
)

// SkipEvent describes a candidate removed before dispatch.
type SkipEvent struct {
	RunID    string
	Provider ProviderKind
	Tier     Tier
	Reason   SkipReason
	Error    error
}

type noopMeter struct{}

func (noopMeter) OnRoute(RouteEvent)   {}
func (noopMeter) OnResult(ResultEvent) {}
func (noopMeter) OnSkip(SkipEvent)     {}
