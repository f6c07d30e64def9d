package tierrouter

import "sort"

// Policy orders the candidates of one provider kind. The router applies it to
// each kind group separately, so a policy can never move a provider across the
// kind cascade, and it must return every candidate it was given.
type Policy interface {
	Order(candidates []Candidate) []Candidate
}

// Candidate is a provider considered for one request.
type Candidate struct {
	Provider ProviderKind
	Tier     Tier
	Priority int         // higher first
	Index    int         // registration order
	Health   HealthState // reporting only, never filters

	adapter Provider
}

// HealthState describes the recent failure history of a provider.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// priorityOrder is the default policy: configured priority, highest first,
// then registration order.
type priorityOrder struct{}

func (priorityOrder) Order(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
