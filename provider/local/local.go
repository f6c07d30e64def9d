// Package local is the terminal fallback: a model served by a local Ollama
// daemon. It needs no credentials and is the only provider an offline request
// may use.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ineyio/tierrouter"
)

const (
	DefaultHost  = "http://localhost:11434"
	DefaultModel = "llama3.2"

	availabilityTimeout = 2 * time.Second
)

// Provider calls Ollama's /api/generate endpoint.
type Provider struct {
	host       string
	model      string
	tier       tierrouter.Tier
	httpClient *http.Client
}

var _ tierrouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHost sets the Ollama base URL.
func WithHost(host string) Option {
	return func(p *Provider) {
		if host != "" {
			p.host = strings.TrimRight(host, "/")
		}
	}
}

// WithModel sets the local model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates the local fallback. Host and model default to OLLAMA_HOST and
// OLLAMA_MODEL when set.
func New(opts ...Option) *Provider {
	p := &Provider{
		host:       DefaultHost,
		model:      DefaultModel,
		tier:       tierrouter.TierFastLocal,
		httpClient: http.DefaultClient,
	}
	WithHost(os.Getenv("OLLAMA_HOST"))(p)
	WithModel(os.Getenv("OLLAMA_MODEL"))(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Kind() tierrouter.ProviderKind { return tierrouter.LocalFallback() }

func (p *Provider) Tier() tierrouter.Tier { return p.tier }

// Available queries the daemon's model list.
func (p *Provider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
	Error           string `json:"error"`
}

func (p *Provider) Complete(ctx context.Context, req tierrouter.ProviderRequest) (tierrouter.ProviderResponse, error) {
	body := generateRequest{Model: p.model, Prompt: req.Prompt, System: req.System}
	if req.MaxTokens > 0 {
		body.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return tierrouter.ProviderResponse{}, fmt.Errorf("tierrouter: marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return tierrouter.ProviderResponse{}, fmt.Errorf("tierrouter: create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tierrouter.ProviderResponse{}, tierrouter.TransportError("local", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return tierrouter.ProviderResponse{}, tierrouter.StatusError("local", httpResp.StatusCode,
			httpResp.Header.Get("Retry-After"), strings.TrimSpace(string(msg)))
	}

	var resp generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return tierrouter.ProviderResponse{}, &tierrouter.ProviderError{
			Provider: "local", Message: "decode ollama response: " + err.Error(), Err: tierrouter.ErrMalformedResponse,
		}
	}
	if resp.Error != "" {
		return tierrouter.ProviderResponse{}, &tierrouter.ProviderError{
			Provider: "local", Message: resp.Error, Err: tierrouter.ErrServerError,
		}
	}

	return tierrouter.ProviderResponse{
		Text:      resp.Response,
		Model:     resp.Model,
		TokensIn:  resp.PromptEvalCount,
		TokensOut: resp.EvalCount,
	}, nil
}
