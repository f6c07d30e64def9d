// Package openai adapts the OpenAI chat completions API to tierrouter.Provider.
// It also serves GitHub Copilot, which speaks the same protocol behind a
// GitHub OAuth token.
package openai

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ineyio/tierrouter"
)

const (
	DefaultModel        = "gpt-4o-mini"
	DefaultCopilotModel = "gpt-4o"
	copilotBaseURL      = "https://api.githubcopilot.com"
)

// Provider calls /chat/completions through the official SDK.
type Provider struct {
	kind       tierrouter.ProviderKind
	tier       tierrouter.Tier
	model      string
	maxTokens  int
	baseURL    string
	token      func() string
	headers    map[string]string
	httpClient *http.Client
}

var _ tierrouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithModel sets the model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithTier overrides the tier.
func WithTier(t tierrouter.Tier) Option {
	return func(p *Provider) { p.tier = t }
}

// WithName overrides the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.kind.Name = name }
}

// NewAPIKey creates an API-key provider for OpenAI.
func NewAPIKey(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		kind:  tierrouter.APIKey("openai"),
		tier:  tierrouter.TierEfficientCloud,
		model: DefaultModel,
		token: func() string { return apiKey },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewCopilot creates the GitHub Copilot OAuth-session provider. An empty
// token falls back to GITHUB_TOKEN, then GH_TOKEN, read on every call.
func NewCopilot(token string, opts ...Option) *Provider {
	p := &Provider{
		kind:    tierrouter.OAuthSession("copilot"),
		tier:    tierrouter.TierHighQuality,
		model:   DefaultCopilotModel,
		baseURL: copilotBaseURL,
		token:   githubToken(token),
		headers: map[string]string{
			"Copilot-Integration-Id": "vscode-chat",
			"Editor-Version":         "tierrouter/1.0",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func githubToken(explicit string) func() string {
	return func() string {
		if explicit != "" {
			return explicit
		}
		if t := os.Getenv("GITHUB_TOKEN"); t != "" {
			return t
		}
		return os.Getenv("GH_TOKEN")
	}
}

func (p *Provider) Kind() tierrouter.ProviderKind { return p.kind }

func (p *Provider) Tier() tierrouter.Tier { return p.tier }

func (p *Provider) Available(context.Context) bool { return p.token() != "" }

func (p *Provider) Complete(ctx context.Context, req tierrouter.ProviderRequest) (tierrouter.ProviderResponse, error) {
	token := p.token()
	if token == "" {
		return tierrouter.ProviderResponse{}, &tierrouter.ProviderError{
			Provider: p.kind.Name, Message: "no credentials", Err: tierrouter.ErrAuthFailed,
		}
	}

	opts := []option.RequestOption{option.WithAPIKey(token), option.WithMaxRetries(0)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(p.httpClient))
	}
	for k, v := range p.headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	client := openai.NewClient(opts...)

	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: msgs,
	}
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return tierrouter.ProviderResponse{}, mapError(p.kind.Name, err)
	}
	if len(resp.Choices) == 0 {
		return tierrouter.ProviderResponse{}, &tierrouter.ProviderError{
			Provider: p.kind.Name, Message: "empty choices in response", Err: tierrouter.ErrMalformedResponse,
		}
	}

	return tierrouter.ProviderResponse{
		Text:      resp.Choices[0].Message.Content,
		Model:     resp.Model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}

func mapError(name string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		retryAfter := ""
		if apiErr.Response != nil {
			retryAfter = apiErr.Response.Header.Get("Retry-After")
		}
		return tierrouter.StatusError(name, apiErr.StatusCode, retryAfter, http.StatusText(apiErr.StatusCode))
	}
	return tierrouter.TransportError(name, err)
}
