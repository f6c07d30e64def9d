// Package gollm adapts any vendor supported by github.com/teilomillet/gollm
// (Groq, Mistral, DeepSeek, OpenRouter, ...) as an API-key provider.
package gollm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/teilomillet/gollm"

	"github.com/ineyio/tierrouter"
)

// Provider wraps a gollm.LLM.
type Provider struct {
	name   string
	tier   tierrouter.Tier
	model  string
	apiKey string
	llm    gollm.LLM
}

var _ tierrouter.Provider = (*Provider)(nil)

// Config describes the vendor to reach.
type Config struct {
	Name      string // provider name in the cascade; defaults to Vendor
	Vendor    string // gollm provider id, e.g. "groq"
	Model     string
	APIKey    string
	MaxTokens int
	Tier      tierrouter.Tier
}

// New creates a gollm-backed provider.
func New(cfg Config, extra ...gollm.ConfigOption) (*Provider, error) {
	if cfg.Vendor == "" {
		return nil, fmt.Errorf("tierrouter: gollm: vendor is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Vendor
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(cfg.Vendor),
		gollm.SetModel(cfg.Model),
		gollm.SetMaxTokens(cfg.MaxTokens),
		gollm.SetMaxRetries(0), // retries belong to the router
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.APIKey != "" {
		opts = append(opts, gollm.SetAPIKey(cfg.APIKey))
	}
	opts = append(opts, extra...)

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("tierrouter: gollm: create %s client: %w", cfg.Vendor, err)
	}

	return &Provider{
		name:   cfg.Name,
		tier:   cfg.Tier,
		model:  cfg.Model,
		apiKey: cfg.APIKey,
		llm:    llm,
	}, nil
}

func (p *Provider) Kind() tierrouter.ProviderKind { return tierrouter.APIKey(p.name) }

func (p *Provider) Tier() tierrouter.Tier { return p.tier }

func (p *Provider) Available(context.Context) bool { return p.apiKey != "" }

func (p *Provider) Complete(ctx context.Context, req tierrouter.ProviderRequest) (tierrouter.ProviderResponse, error) {
	var promptOpts []gollm.PromptOption
	if req.System != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(req.System, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		promptOpts = append(promptOpts, gollm.WithMaxLength(req.MaxTokens))
	}

	text, err := p.llm.Generate(ctx, gollm.NewPrompt(req.Prompt, promptOpts...))
	if err != nil {
		return tierrouter.ProviderResponse{}, classify(p.name, err)
	}

	return tierrouter.ProviderResponse{Text: strings.TrimSpace(text), Model: p.model}, nil
}

// classify maps gollm's string-typed errors onto the taxonomy. gollm reports
// HTTP failures as text, so the status code is recovered from the message.
func classify(name string, err error) error {
	if ctxErr := contextErr(err); ctxErr != nil {
		return tierrouter.TransportError(name, ctxErr)
	}

	msg := strings.ToLower(err.Error())
	status := 0
	for _, code := range []int{429, 401, 403, 400, 404, 408, 422, 500, 502, 503, 504} {
		if strings.Contains(msg, fmt.Sprintf("status code: %d", code)) ||
			strings.Contains(msg, fmt.Sprintf("status %d", code)) ||
			strings.Contains(msg, fmt.Sprintf("(%d)", code)) {
			status = code
			break
		}
	}
	switch {
	case status != 0:
		return tierrouter.StatusError(name, status, "", err.Error())
	case strings.Contains(msg, "rate limit"):
		return tierrouter.StatusError(name, 429, "", err.Error())
	case strings.Contains(msg, "api key"), strings.Contains(msg, "unauthorized"):
		return &tierrouter.ProviderError{Provider: name, Message: err.Error(), Err: tierrouter.ErrAuthFailed}
	default:
		return tierrouter.TransportError(name, err)
	}
}

func contextErr(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	}
	return nil
}
