// Package registry builds providers from a tierrouter.Config.
package registry

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ineyio/tierrouter"
	"github.com/ineyio/tierrouter/provider/anthropic"
	"github.com/ineyio/tierrouter/provider/cli"
	"github.com/ineyio/tierrouter/provider/gemini"
	"github.com/ineyio/tierrouter/provider/gollm"
	"github.com/ineyio/tierrouter/provider/local"
	"github.com/ineyio/tierrouter/provider/openai"
	"github.com/ineyio/tierrouter/provider/openaicompat"
)

// Drivers lists the accepted driver names.
var Drivers = []string{"cli", "anthropic", "openai", "copilot", "gemini", "openaicompat", "gollm", "ollama"}

// Build creates the providers of cfg, in file order, plus the router options
// carrying their priorities and rate limits.
func Build(cfg tierrouter.Config) ([]tierrouter.Provider, []tierrouter.Option, error) {
	providers := make([]tierrouter.Provider, 0, len(cfg.Providers))
	var opts []tierrouter.Option

	for _, pc := range cfg.Providers {
		p, err := buildOne(pc)
		if err != nil {
			return nil, nil, fmt.Errorf("tierrouter: provider %q: %w", pc.Name, err)
		}

		want, err := tierrouter.ParseKind(pc.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("tierrouter: provider %q: %w", pc.Name, err)
		}
		if got := p.Kind().Kind; got != want {
			return nil, nil, fmt.Errorf("tierrouter: provider %q: driver %s is %s, config says %s", pc.Name, pc.Driver, got, want)
		}

		providers = append(providers, p)
		name := p.Kind().Name
		if pc.Priority != 0 {
			opts = append(opts, tierrouter.WithProviderPriority(name, pc.Priority))
		}
		if pc.RateLimit > 0 {
			opts = append(opts, tierrouter.WithRateLimit(name, pc.RateLimit, pc.Burst))
		}
	}

	return providers, opts, nil
}

func buildOne(pc tierrouter.ProviderConfig) (tierrouter.Provider, error) {
	var httpClient *http.Client
	if pc.Timeout > 0 {
		httpClient = &http.Client{Timeout: pc.Timeout}
	}
	kind, _ := tierrouter.ParseKind(pc.Kind)

	switch strings.ToLower(pc.Driver) {
	case "cli":
		opts := []cli.Option{cli.WithTier(pc.Tier)}
		if pc.Command != "" {
			opts = append(opts, cli.WithCommand(pc.Command))
		}
		if len(pc.Args) > 0 {
			opts = append(opts, cli.WithArgs(pc.Args...))
		}
		switch pc.Name {
		case "claude":
			return cli.NewClaude(pc.Model, opts...), nil
		case "codex":
			return cli.NewCodex("", opts...), nil
		default:
			return cli.New(pc.Name, opts...), nil
		}

	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithName(pc.Name),
			anthropic.WithTier(pc.Tier),
			anthropic.WithModel(pc.Model),
			anthropic.WithBaseURL(pc.BaseURL),
		}
		if httpClient != nil {
			opts = append(opts, anthropic.WithHTTPClient(httpClient))
		}
		if kind == tierrouter.KindOAuthSession {
			return anthropic.NewSession(pc.SessionFile, opts...), nil
		}
		return anthropic.NewAPIKey(pc.APIKey, opts...), nil

	case "openai", "copilot":
		opts := []openai.Option{
			openai.WithName(pc.Name),
			openai.WithTier(pc.Tier),
			openai.WithModel(pc.Model),
			openai.WithBaseURL(pc.BaseURL),
		}
		if httpClient != nil {
			opts = append(opts, openai.WithHTTPClient(httpClient))
		}
		if kind == tierrouter.KindOAuthSession {
			return openai.NewCopilot(pc.APIKey, opts...), nil
		}
		return openai.NewAPIKey(pc.APIKey, opts...), nil

	case "gemini":
		opts := []gemini.Option{gemini.WithName(pc.Name), gemini.WithTier(pc.Tier)}
		if pc.Model != "" {
			opts = append(opts, gemini.WithModel(pc.Model))
		}
		if pc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(pc.BaseURL))
		}
		if httpClient != nil {
			opts = append(opts, gemini.WithHTTPClient(httpClient))
		}
		return gemini.New(pc.APIKey, opts...), nil

	case "openaicompat":
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("base_url is required")
		}
		opts := []openaicompat.Option{openaicompat.WithAPIKey(pc.APIKey), openaicompat.WithModel(pc.Model)}
		if pc.APIKey == "" {
			opts = append(opts, openaicompat.WithKeyless())
		}
		if httpClient != nil {
			opts = append(opts, openaicompat.WithHTTPClient(httpClient))
		}
		pk := tierrouter.ProviderKind{Kind: kind, Name: pc.Name}
		return openaicompat.New(pk, pc.Tier, pc.BaseURL, opts...), nil

	case "gollm":
		vendor := pc.Command
		if vendor == "" {
			vendor = pc.Name
		}
		return gollm.New(gollm.Config{
			Name:   pc.Name,
			Vendor: vendor,
			Model:  pc.Model,
			APIKey: pc.APIKey,
			Tier:   pc.Tier,
		})

	case "ollama", "local":
		opts := []local.Option{local.WithHost(pc.BaseURL), local.WithModel(pc.Model)}
		if httpClient != nil {
			opts = append(opts, local.WithHTTPClient(httpClient))
		}
		return local.New(opts...), nil

	default:
		return nil, fmt.Errorf("unknown driver %q (want one of %s)", pc.Driver, strings.Join(Drivers, ", "))
	}
}

// Defaults returns the built-in cascade used when no config file is given.
// API-key providers are included only when their key is set in getenv.
func Defaults(getenv func(string) string) tierrouter.Config {
	cfg := tierrouter.Config{
		Providers: []tierrouter.ProviderConfig{
			{Name: "claude", Kind: "cli", Tier: tierrouter.TierHighQuality, Driver: "cli"},
			{Name: "codex", Kind: "cli", Tier: tierrouter.TierHighQuality, Driver: "cli"},
			{Name: "claude-session", Kind: "oauth", Tier: tierrouter.TierHighQuality, Driver: "anthropic",
				SessionFile: getenv("CLAUDE_SESSION_FILE")},
			{Name: "copilot", Kind: "oauth", Tier: tierrouter.TierHighQuality, Driver: "copilot"},
		},
	}

	if key := getenv("XAI_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, tierrouter.ProviderConfig{
			Name: "grok", Kind: "api_key", Tier: tierrouter.TierHeavy, Driver: "openaicompat",
			BaseURL: "https://api.x.ai/v1", Model: "grok-3", APIKey: key,
		})
	}
	if key := getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, tierrouter.ProviderConfig{
			Name: "anthropic", Kind: "api_key", Tier: tierrouter.TierHighQuality, Driver: "anthropic", APIKey: key,
		})
	}
	if key := getenv("OPENAI_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, tierrouter.ProviderConfig{
			Name: "openai", Kind: "api_key", Tier: tierrouter.TierEfficientCloud, Driver: "openai", APIKey: key,
		})
	}
	if key := getenv("GEMINI_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, tierrouter.ProviderConfig{
			Name: "gemini", Kind: "api_key", Tier: tierrouter.TierEfficientCloud, Driver: "gemini", APIKey: key,
		})
	}

	cfg.Providers = append(cfg.Providers, tierrouter.ProviderConfig{
		Name: "local", Kind: "local", Tier: tierrouter.TierFastLocal, Driver: "ollama",
		BaseURL: getenv("OLLAMA_HOST"), Model: getenv("OLLAMA_MODEL"),
	})
	return cfg
}
