// Package anthropic adapts the Anthropic Messages API to tierrouter.Provider,
// reached either with an API key or with the OAuth session of a logged-in
// Claude Code CLI.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ineyio/tierrouter"
)

const (
	DefaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 8192
	oauthBeta        = "oauth-2025-04-20"
)

// Provider calls the Messages API.
type Provider struct {
	kind        tierrouter.ProviderKind
	tier        tierrouter.Tier
	model       string
	maxTokens   int64
	apiKey      string
	sessionPath string // non-empty for OAuth-session providers
	baseURL     string
	httpClient  *http.Client
	now         func() time.Time
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

// WithMaxTokens sets the default completion cap.
func WithMaxTokens(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxTokens = int64(n)
		}
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithTier overrides the tier (default high quality).
func WithTier(t tierrouter.Tier) Option {
	return func(p *Provider) { p.tier = t }
}

// WithName overrides the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.kind.Name = name }
}

// NewAPIKey creates an API-key provider.
func NewAPIKey(apiKey string, opts ...Option) *Provider {
	return newProvider(tierrouter.APIKey("anthropic"), func(p *Provider) { p.apiKey = apiKey }, opts)
}

// NewSession creates an OAuth-session provider reading the Claude Code
// credentials file at path (DefaultSessionPath when empty). The file is
// re-read on every call so a refreshed login is picked up mid-run.
func NewSession(path string, opts ...Option) *Provider {
	if path == "" {
		path = DefaultSessionPath()
	}
	return newProvider(tierrouter.OAuthSession("claude"), func(p *Provider) { p.sessionPath = path }, opts)
}

func newProvider(kind tierrouter.ProviderKind, init func(*Provider), opts []Option) *Provider {
	p := &Provider{
		kind:      kind,
		tier:      tierrouter.TierHighQuality,
		model:     DefaultModel,
		maxTokens: defaultMaxTokens,
		now:       time.Now,
	}
	init(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Kind() tierrouter.ProviderKind { return p.kind }

func (p *Provider) Tier() tierrouter.Tier { return p.tier }

// Available reports whether a key is set or a valid session file exists.
func (p *Provider) Available(context.Context) bool {
	_, err := p.credentials()
	return err == nil
}

func (p *Provider) credentials() ([]option.RequestOption, error) {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(p.httpClient))
	}

	if p.sessionPath == "" {
		if p.apiKey == "" {
			return nil, tierrouter.ErrAdapterUnavailable
		}
		return append(opts, option.WithAPIKey(p.apiKey)), nil
	}

	s, err := LoadSession(p.sessionPath)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(p.now()); err != nil {
		return nil, err
	}
	return append(opts,
		option.WithAuthToken(s.OAuth.AccessToken),
		option.WithHeader("anthropic-beta", oauthBeta),
	), nil
}

func (p *Provider) Complete(ctx context.Context, req tierrouter.ProviderRequest) (tierrouter.ProviderResponse, error) {
	opts, err := p.credentials()
	if err != nil {
		return tierrouter.ProviderResponse{}, &tierrouter.ProviderError{
			Provider: p.kind.Name, Message: err.Error(), Err: tierrouter.ErrAuthFailed,
		}
	}
	client := anthropic.NewClient(opts...)

	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return tierrouter.ProviderResponse{}, mapError(p.kind.Name, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return tierrouter.ProviderResponse{}, &tierrouter.ProviderError{
			Provider: p.kind.Name, Message: "no text content in response", Err: tierrouter.ErrMalformedResponse,
		}
	}

	return tierrouter.ProviderResponse{
		Text:      text.String(),
		Model:     string(msg.Model),
		TokensIn:  msg.Usage.InputTokens,
		TokensOut: msg.Usage.OutputTokens,
	}, nil
}

func mapError(name string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		retryAfter := ""
		if apiErr.Response != nil {
			retryAfter = apiErr.Response.Header.Get("Retry-After")
		}
		return tierrouter.StatusError(name, apiErr.StatusCode, retryAfter, http.StatusText(apiErr.StatusCode))
	}
	return tierrouter.TransportError(name, err)
}
