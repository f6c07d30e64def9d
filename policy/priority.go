package policy

import (
	"sort"

	"github.com/ineyio/tierrouter"
)

// PriorityPolicy orders candidates by configured priority, highest first.
// Ties keep registration order.
type PriorityPolicy struct{}

var _ tierrouter.Policy = (*PriorityPolicy)(nil)

// Order sorts candidates by priority descending.
func (p *PriorityPolicy) Order(candidates []tierrouter.Candidate) []tierrouter.Candidate {
	result := make([]tierrouter.Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority > result[j].Priority
	})

	return result
}
