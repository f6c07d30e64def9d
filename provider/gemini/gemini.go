package gemini

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

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"
)

// Provider is the Gemini API adapter, reached with an API key.
type Provider struct {
	name       string
	tier       tierrouter.Tier
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

var _ tierrouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModel sets the model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithName overrides the provider name (default "gemini").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithTier overrides the tier (default efficient cloud).
func WithTier(t tierrouter.Tier) Option {
	return func(p *Provider) { p.tier = t }
}

// New creates a new Gemini provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:       "gemini",
		tier:       tierrouter.TierEfficientCloud,
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Kind() tierrouter.ProviderKind { return tierrouter.APIKey(p.name) }

func (p *Provider) Tier() tierrouter.Tier { return p.tier }

func (p *Provider) Available(context.Context) bool { return p.apiKey != "" }

// Gemini API types.
type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (p *Provider) Complete(ctx context.Context, req tierrouter.ProviderRequest) (tierrouter.ProviderResponse, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, p.model)
	httpResp, err := p.doRequest(ctx, url, body)
	if err != nil {
		return tierrouter.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return tierrouter.ProviderResponse{}, tierrouter.StatusError(p.name, httpResp.StatusCode,
			httpResp.Header.Get("Retry-After"), strings.TrimSpace(string(msg)))
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return tierrouter.ProviderResponse{}, &tierrouter.ProviderError{
			Provider: p.name, Message: "decode gemini response: " + err.Error(), Err: tierrouter.ErrMalformedResponse,
		}
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return tierrouter.ProviderResponse{}, &tierrouter.ProviderError{
			Provider: p.name, Message: "empty candidates in gemini response", Err: tierrouter.ErrMalformedResponse,
		}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	model := resp.ModelVersion
	if model == "" {
		model = p.model
	}

	return tierrouter.ProviderResponse{
		Text:      text.String(),
		Model:     model,
		TokensIn:  resp.UsageMetadata.PromptTokenCount,
		TokensOut: resp.UsageMetadata.CandidatesTokenCount,
	}, nil
}

func (p *Provider) doRequest(ctx context.Context, url string, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tierrouter: marshal gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("tierrouter: create gemini request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, tierrouter.TransportError(p.name, err)
	}

	return resp, nil
}
