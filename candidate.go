package tierrouter

import "context"

// cascadeKinds is the fixed fallback order below the heavy tier.
var cascadeKinds = []Kind{KindCLISession, KindOAuthSession, KindAPIKey, KindLocalFallback}

// buildCandidates creates the ordered cascade for a request:
// heavy providers (when admitted), then CLI sessions, OAuth sessions, API keys,
// and the local fallback. An offline request only ever sees the local fallback.
func (r *Router) buildCandidates(meta RequestMeta, heavy bool) []Candidate {
	if meta.OfflineRequired {
		return r.group(KindLocalFallback, func(c Candidate) bool { return true })
	}

	var out []Candidate
	if heavy {
		for _, k := range cascadeKinds {
			out = append(out, r.group(k, func(c Candidate) bool { return c.Tier == TierHeavy })...)
		}
	}
	for _, k := range cascadeKinds {
		out = append(out, r.group(k, func(c Candidate) bool { return c.Tier != TierHeavy })...)
	}
	return out
}

// group returns the registered providers of one kind, ordered by the policy.
func (r *Router) group(kind Kind, keep func(Candidate) bool) []Candidate {
	var g []Candidate
	for i, p := range r.providers {
		pk := p.Kind()
		if pk.Kind != kind {
			continue
		}
		c := Candidate{
			Provider: pk,
			Tier:     p.Tier(),
			Priority: r.priority[pk.Name],
			Index:    i,
			Health:   r.health.GetHealth(pk),
			adapter:  p,
		}
		if keep(c) {
			g = append(g, c)
		}
	}
	if len(g) < 2 {
		return g
	}
	return r.policy.Order(g)
}

// filterAvailable drops candidates whose adapter reports itself unusable.
// Availability is asked fresh on every call.
func (r *Router) filterAvailable(ctx context.Context, runID string, candidates []Candidate) []Candidate {
	filtered := candidates[:0:0]
	for _, c := range candidates {
		if !c.adapter.Available(ctx) {
			r.meter.OnSkip(SkipEvent{
				RunID:    runID,
				Provider: c.Provider,
				Tier:     c.Tier,
				Reason:   SkipUnavailable,
				Error:    ErrAdapterUnavailable,
			})
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}
