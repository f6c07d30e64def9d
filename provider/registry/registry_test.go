package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tierrouter"
	"github.com/ineyio/tierrouter/provider/registry"
)

func kinds(ps []tierrouter.Provider) []tierrouter.ProviderKind {
	out := make([]tierrouter.ProviderKind, len(ps))
	for i, p := range ps {
		out[i] = p.Kind()
	}
	return out
}

func TestBuild(t *testing.T) {
	cfg := tierrouter.Config{Providers: []tierrouter.ProviderConfig{
		{Name: "claude", Kind: "cli", Tier: tierrouter.TierHighQuality, Driver: "cli", Priority: 5},
		{Name: "copilot", Kind: "oauth", Tier: tierrouter.TierHighQuality, Driver: "copilot", APIKey: "gh"},
		{Name: "grok", Kind: "api_key", Tier: tierrouter.TierHeavy, Driver: "openaicompat",
			BaseURL: "https://api.x.ai/v1", APIKey: "xai", RateLimit: 2, Burst: 1},
		{Name: "anthropic", Kind: "api_key", Tier: tierrouter.TierHighQuality, Driver: "anthropic", APIKey: "sk"},
		{Name: "gemini", Kind: "api_key", Tier: tierrouter.TierEfficientCloud, Driver: "gemini", APIKey: "g"},
		{Name: "local", Kind: "local", Tier: tierrouter.TierFastLocal, Driver: "ollama"},
	}}

	providers, opts, err := registry.Build(cfg)
	require.NoError(t, err)
	assert.Equal(t, []tierrouter.ProviderKind{
		tierrouter.CLISession("claude"),
		tierrouter.OAuthSession("copilot"),
		tierrouter.APIKey("grok"),
		tierrouter.APIKey("anthropic"),
		tierrouter.APIKey("gemini"),
		tierrouter.LocalFallback(),
	}, kinds(providers))
	assert.Equal(t, tierrouter.TierHeavy, providers[2].Tier())
	assert.Len(t, opts, 2)

	_, err = tierrouter.NewRouter(tierrouter.ProfileConfig(tierrouter.ProfileDev), providers, opts...)
	require.NoError(t, err)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		pc   tierrouter.ProviderConfig
		msg  string
	}{
		{"kind mismatch", tierrouter.ProviderConfig{Name: "x", Kind: "cli", Driver: "ollama"}, "config says"},
		{"unknown driver", tierrouter.ProviderConfig{Name: "x", Kind: "api_key", Driver: "carrier-pigeon"}, "unknown driver"},
		{"unknown kind", tierrouter.ProviderConfig{Name: "x", Kind: "magic", Driver: "ollama"}, "unknown provider kind"},
		{"compat without url", tierrouter.ProviderConfig{Name: "x", Kind: "api_key", Driver: "openaicompat"}, "base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := registry.Build(tierrouter.Config{Providers: []tierrouter.ProviderConfig{tt.pc}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
			assert.Contains(t, err.Error(), `"x"`)
		})
	}
}

func TestDefaults(t *testing.T) {
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	providers, _, err := registry.Build(registry.Defaults(getenv))
	require.NoError(t, err)
	assert.Equal(t, []tierrouter.ProviderKind{
		tierrouter.CLISession("claude"),
		tierrouter.CLISession("codex"),
		tierrouter.OAuthSession("claude-session"),
		tierrouter.OAuthSession("copilot"),
		tierrouter.LocalFallback(),
	}, kinds(providers))

	env["XAI_API_KEY"] = "xai"
	env["OPENAI_API_KEY"] = "sk"
	providers, _, err = registry.Build(registry.Defaults(getenv))
	require.NoError(t, err)
	require.Len(t, providers, 7)
	assert.Equal(t, tierrouter.APIKey("grok"), providers[4].Kind())
	assert.Equal(t, tierrouter.TierHeavy, providers[4].Tier())
	assert.Equal(t, tierrouter.APIKey("openai"), providers[5].Kind())
}
