// Package mock provides a scriptable Provider for tests.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/tierrouter"
)

// Provider is a mock backend whose availability, latency, and failures can be
// scripted.
type Provider struct {
	kind         tierrouter.ProviderKind
	tier         tierrouter.Tier
	latency      time.Duration
	text         string
	tokensIn     int64
	tokensOut    int64
	staticErr    error
	responseFunc func(tierrouter.ProviderRequest) (tierrouter.ProviderResponse, error)

	available atomic.Bool
	callCount atomic.Int64

	mu      sync.Mutex
	errs    []error // consumed one per call before staticErr applies
	prompts []string
}

var _ tierrouter.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider of the given kind and tier. It is available and
// answers "Hello from mock provider" until told otherwise.
func New(kind tierrouter.ProviderKind, tier tierrouter.Tier, opts ...Option) *Provider {
	p := &Provider{
		kind:      kind,
		tier:      tier,
		text:      "Hello from mock provider",
		tokensIn:  10,
		tokensOut: 20,
	}
	p.available.Store(true)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithErrors makes the first len(errs) calls fail with errs in order.
func WithErrors(errs ...error) Option {
	return func(p *Provider) { p.errs = append(p.errs, errs...) }
}

// WithText sets the completion text.
func WithText(text string) Option {
	return func(p *Provider) { p.text = text }
}

// WithUsage sets the reported token usage. Zero values mean "not reported".
func WithUsage(in, out int64) Option {
	return func(p *Provider) { p.tokensIn, p.tokensOut = in, out }
}

// WithUnavailable makes the provider start unavailable.
func WithUnavailable() Option {
	return func(p *Provider) { p.available.Store(false) }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(tierrouter.ProviderRequest) (tierrouter.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Kind() tierrouter.ProviderKind { return p.kind }

func (p *Provider) Tier() tierrouter.Tier { return p.tier }

func (p *Provider) Available(context.Context) bool { return p.available.Load() }

// SetAvailable toggles availability between calls.
func (p *Provider) SetAvailable(v bool) { p.available.Store(v) }

func (p *Provider) Complete(ctx context.Context, req tierrouter.ProviderRequest) (tierrouter.ProviderResponse, error) {
	p.callCount.Add(1)

	p.mu.Lock()
	p.prompts = append(p.prompts, req.Prompt)
	var scripted error
	if len(p.errs) > 0 {
		scripted, p.errs = p.errs[0], p.errs[1:]
	}
	p.mu.Unlock()

	if p.latency > 0 {
		t := time.NewTimer(p.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return tierrouter.ProviderResponse{}, ctx.Err()
		}
	}

	if scripted != nil {
		return tierrouter.ProviderResponse{}, scripted
	}
	if p.staticErr != nil {
		return tierrouter.ProviderResponse{}, p.staticErr
	}
	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return tierrouter.ProviderResponse{
		Text:      p.text,
		Model:     "mock-model",
		TokensIn:  p.tokensIn,
		TokensOut: p.tokensOut,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Prompts returns the prompts received, in call order.
func (p *Provider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.prompts))
	copy(out, p.prompts)
	return out
}
