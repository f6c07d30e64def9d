package tierrouter

import (
	"fmt"
	"time"
)

// Kind is the closed set of provider variants. The order of the constants is
// the cascade order for non-heavy candidates.
type Kind int

const (
	KindCLISession Kind = iota
	KindOAuthSession
	KindAPIKey
	KindLocalFallback
)

func (k Kind) String() string {
	switch k {
	case KindCLISession:
		return "cli_session"
	case KindOAuthSession:
		return "oauth_session"
	case KindAPIKey:
		return "api_key"
	case KindLocalFallback:
		return "local_fallback"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses the config spelling of a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "cli", "cli_session":
		return KindCLISession, nil
	case "oauth", "oauth_session":
		return KindOAuthSession, nil
	case "api_key", "apikey":
		return KindAPIKey, nil
	case "local", "local_fallback":
		return KindLocalFallback, nil
	default:
		return 0, fmt.Errorf("tierrouter: unknown provider kind %q", s)
	}
}

// ProviderKind identifies a provider: its variant plus a name.
type ProviderKind struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

// CLISession returns the kind for a locally authenticated CLI tool.
func CLISession(name string) ProviderKind { return ProviderKind{Kind: KindCLISession, Name: name} }

// OAuthSession returns the kind for an HTTP API reached with a stored OAuth session.
func OAuthSession(name string) ProviderKind { return ProviderKind{Kind: KindOAuthSession, Name: name} }

// APIKey returns the kind for an HTTP API reached with an API key.
func APIKey(name string) ProviderKind { return ProviderKind{Kind: KindAPIKey, Name: name} }

// LocalFallback returns the kind of the local fallback model.
func LocalFallback() ProviderKind { return ProviderKind{Kind: KindLocalFallback, Name: "local"} }

func (p ProviderKind) String() string {
	return p.Kind.String() + "/" + p.Name
}

// Tier is the ordinal quality/cost class of a provider.
type Tier int

const (
	TierFastLocal Tier = iota
	TierEfficientCloud
	TierHighQuality
	TierHeavy
)

func (t Tier) String() string {
	switch t {
	case TierFastLocal:
		return "fast_local"
	case TierEfficientCloud:
		return "efficient_cloud"
	case TierHighQuality:
		return "high_quality"
	case TierHeavy:
		return "heavy"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is one of the four defined tiers.
func (t Tier) Valid() bool {
	return t >= TierFastLocal && t <= TierHeavy
}

// RequestMeta carries the routing hints of one request.
type RequestMeta struct {
	RequiresMath        bool   `json:"requires_math"`
	RequiresHighQuality bool   `json:"requires_high_quality"`
	OfflineRequired     bool   `json:"offline_required"`
	EstimatedTokens     int64  `json:"estimated_tokens"`
	TokensApproximate   bool   `json:"tokens_approximate"`
	RunID               string `json:"run_id"`
}

// WantsHeavy reports whether the request asks for the heavy tier.
func (m RequestMeta) WantsHeavy() bool {
	return m.RequiresHighQuality || m.RequiresMath
}

// Output is the result of a routed completion.
type Output struct {
	Text              string       `json:"text"`
	TokensInEstimate  int64        `json:"tokens_in_estimate"`
	TokensOutEstimate int64        `json:"tokens_out_estimate"`
	TokensApproximate bool         `json:"tokens_approximate"`
	Provider          ProviderKind `json:"provider"`
	Tier              Tier         `json:"tier"`
	Attempts          int          `json:"attempts"`
	RunID             string       `json:"run_id"`
}

// CallRecord is one completed provider call. Records are append-only.
type CallRecord struct {
	Tier      Tier          `json:"tier"`
	Provider  ProviderKind  `json:"provider"`
	TokensIn  int64         `json:"tokens_in"`
	TokensOut int64         `json:"tokens_out"`
	Latency   time.Duration `json:"latency"`
	Fallback  bool          `json:"fallback"` // served below the first cascade position
	Timestamp time.Time     `json:"timestamp"`
}

// FailureRecord is one provider that was dispatched and gave up, after its
// retries, for a request.
type FailureRecord struct {
	Tier      Tier          `json:"tier"`
	Provider  ProviderKind  `json:"provider"`
	Calls     int           `json:"calls"`
	Status    string        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// RunCounters are the heavy-tier counters of one run.
type RunCounters struct {
	HeavyCalls  int64 `json:"heavy_calls"`
	HeavyTokens int64 `json:"heavy_tokens"`
}

// DailyCounters are the process-wide heavy-tier counters of one calendar day (UTC).
type DailyCounters struct {
	HeavyCalls int64  `json:"heavy_calls"`
	Date       string `json:"date"`
}
