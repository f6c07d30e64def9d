// Package openaicompat adapts any OpenAI-compatible chat completions endpoint
// (xAI Grok, Cerebras, Together, vLLM) to tierrouter.Provider.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/tierrouter"
)

// Provider is a universal OpenAI-compatible API adapter.
type Provider struct {
	kind       tierrouter.ProviderKind
	tier       tierrouter.Tier
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	keyless    bool
	httpClient *http.Client
}

var _ tierrouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithAPIKey sets the bearer key. Without a key the provider reports itself
// unavailable unless WithKeyless is set.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithModel sets the model name sent upstream.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithKeyless marks an endpoint that needs no key (self-hosted servers).
func WithKeyless() Option {
	return func(p *Provider) { p.keyless = true }
}

// New creates a new OpenAI-compatible provider.
func New(kind tierrouter.ProviderKind, tier tierrouter.Tier, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		kind:       kind,
		tier:       tier,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewGrok creates the xAI Grok provider. It is the heavy tier.
func NewGrok(opts ...Option) *Provider {
	return New(tierrouter.APIKey("grok"), tierrouter.TierHeavy, "https://api.x.ai/v1",
		append([]Option{WithModel("grok-3")}, opts...)...)
}

// NewCerebras creates a provider for Cerebras.
func NewCerebras(opts ...Option) *Provider {
	return New(tierrouter.APIKey("cerebras"), tierrouter.TierEfficientCloud, "https://api.cerebras.ai/v1",
		append([]Option{WithModel("llama3.1-8b")}, opts...)...)
}

func (p *Provider) Kind() tierrouter.ProviderKind { return p.kind }

func (p *Provider) Tier() tierrouter.Tier { return p.tier }

// Available reports whether a key is configured.
func (p *Provider) Available(context.Context) bool {
	return p.baseURL != "" && (p.keyless || p.apiKey != "")
}

type apiRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Provider) Complete(ctx context.Context, req tierrouter.ProviderRequest) (tierrouter.ProviderResponse, error) {
	body := apiRequest{Model: p.model, MaxTokens: p.maxTokens}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.System != "" {
		body.Messages = append(body.Messages, apiMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, apiMessage{Role: "user", Content: req.Prompt})

	httpResp, err := p.doRequest(ctx, body)
	if err != nil {
		return tierrouter.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(p.kind.Name, httpResp); err != nil {
		return tierrouter.ProviderResponse{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return tierrouter.ProviderResponse{}, &tierrouter.ProviderError{
			Provider: p.kind.Name, Message: "decode response: " + err.Error(), Err: tierrouter.ErrMalformedResponse,
		}
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

func (p *Provider) doRequest(ctx context.Context, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tierrouter: marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("tierrouter: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, tierrouter.TransportError(p.kind.Name, err)
	}

	return resp, nil
}

func mapHTTPError(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return tierrouter.StatusError(name, resp.StatusCode, resp.Header.Get("Retry-After"), strings.TrimSpace(string(body)))
}
