package meter

import (
	"sync"

	"github.com/ineyio/tierrouter"
)

// Recorder keeps every event in memory, for tests.
type Recorder struct {
	mu      sync.Mutex
	Routes  []tierrouter.RouteEvent
	Results []tierrouter.ResultEvent
	Skips   []tierrouter.SkipEvent
}

var _ tierrouter.Meter = (*Recorder)(nil)

func (r *Recorder) OnRoute(e tierrouter.RouteEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Routes = append(r.Routes, e)
}

func (r *Recorder) OnResult(e tierrouter.ResultEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, e)
}

func (r *Recorder) OnSkip(e tierrouter.SkipEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skips = append(r.Skips, e)
}

// SkipReasons returns the skip reasons keyed by provider name.
func (r *Recorder) SkipReasons() map[string]tierrouter.SkipReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]tierrouter.SkipReason, len(r.Skips))
	for _, s := range r.Skips {
		out[s.Provider.Name] = s.Reason
	}
	return out
}
