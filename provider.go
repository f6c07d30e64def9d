package tierrouter

import "context"

// Provider is the interface that backend adapters must implement.
type Provider interface {
	// Kind returns the provider variant and name.
	Kind() ProviderKind

	// Tier returns the quality/cost class of the provider.
	Tier() Tier

	// Available reports whether the backend is usable right now (tool installed,
	// session present, key configured). It is called once per routing decision
	// and must not cache its answer across calls.
	Available(ctx context.Context) bool

	// Complete performs one completion attempt. The context carries the per-call
	// deadline.
	Complete(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// ProviderRequest is the request handed to an adapter.
type ProviderRequest struct {
	Prompt    string
	System    string
	MaxTokens int
	RunID     string
}

// ProviderResponse is the adapter's answer. Token counts are zero when the
// backend does not report usage; the router fills them in heuristically.
type ProviderResponse struct {
	Text      string
	Model     string
	TokensIn  int64
	TokensOut int64
}
