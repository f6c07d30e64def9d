package tierrouter_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tr "github.com/ineyio/tierrouter"
)

func TestProfileConfig(t *testing.T) {
	dev := tr.ProfileConfig(tr.ProfileDev)
	assert.False(t, dev.EnableHeavy)
	assert.Equal(t, tr.AtomicityRelaxed, dev.Atomicity)

	lab := tr.ProfileConfig(tr.ProfileLab)
	assert.True(t, lab.EnableHeavy)
	assert.Equal(t, int64(5), lab.HeavyMaxCallsPerRun)
	assert.Equal(t, int64(50_000), lab.HeavyMaxTokensPerRun)
	assert.Equal(t, int64(50), lab.HeavyMaxCallsPerDay)

	prod := tr.ProfileConfig(tr.ProfileProd)
	assert.Equal(t, int64(200), prod.HeavyMaxCallsPerDay)
	assert.Equal(t, 3, prod.MaxRetries)
	assert.Equal(t, time.Second, prod.BackoffBase)
	assert.Equal(t, 5*time.Minute, prod.CallTimeout)
}

func TestParseProfile(t *testing.T) {
	assert.Equal(t, tr.ProfileProd, tr.ParseProfile(" PROD "))
	assert.Equal(t, tr.ProfileLab, tr.ParseProfile("lab"))
	assert.Equal(t, tr.ProfileDev, tr.ParseProfile("staging"))
	assert.Equal(t, tr.ProfileDev, tr.ParseProfile(""))
}

func TestRoutingConfigFromMap(t *testing.T) {
	cfg, err := tr.RoutingConfigFromMap(map[string]string{
		"PROFILE":                 "lab",
		"HEAVY_MAX_CALLS_PER_RUN": "2",
		"LLM_MAX_RETRIES":         "1",
		"LLM_BACKOFF_MS":          "250",
		"LLM_CALL_TIMEOUT":        "30s",
		"QUOTA_ATOMICITY":         "Relaxed",
	})
	require.NoError(t, err)

	assert.Equal(t, tr.ProfileLab, cfg.Profile)
	assert.True(t, cfg.EnableHeavy)
	assert.Equal(t, int64(2), cfg.HeavyMaxCallsPerRun)
	assert.Equal(t, int64(50_000), cfg.HeavyMaxTokensPerRun, "unset values keep the preset")
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, tr.AtomicityRelaxed, cfg.Atomicity)
}

func TestRoutingConfigFromMap_Defaults(t *testing.T) {
	cfg, err := tr.RoutingConfigFromMap(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, tr.ProfileDev, cfg.Profile)
	assert.False(t, cfg.EnableHeavy)
	assert.Equal(t, tr.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, tr.DefaultBackoffBase, cfg.BackoffBase)
}

func TestRoutingConfigFromMap_DevIgnoresEnableHeavy(t *testing.T) {
	cfg, err := tr.RoutingConfigFromMap(map[string]string{"PROFILE": "dev", "ENABLE_HEAVY": "true"})
	require.NoError(t, err)
	assert.False(t, cfg.EnableHeavy)
}

func TestRoutingConfigFromMap_Invalid(t *testing.T) {
	_, err := tr.RoutingConfigFromMap(map[string]string{"LLM_MAX_RETRIES": "many"})
	assert.Error(t, err)

	_, err = tr.RoutingConfigFromMap(map[string]string{"QUOTA_ATOMICITY": "sometimes"})
	assert.Error(t, err)

	_, err = tr.RoutingConfigFromMap(map[string]string{"PROFILE": "prod", "HEAVY_MAX_CALLS_PER_DAY": "-1"})
	assert.Error(t, err)
}

func TestRoutingConfig_RetryPolicy(t *testing.T) {
	cfg := tr.ProfileConfig(tr.ProfileLab)
	p := cfg.RetryPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.BaseDelay)
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_YAML(t *testing.T) {
	t.Setenv("TEST_XAI_KEY", "xai-secret")
	path := writeFile(t, "cfg.yaml", `
routing:
  profile: prod
  heavy_max_calls_per_day: 20
daily_state: /tmp/daily.db
providers:
  - name: grok
    kind: api_key
    tier: 3
    driver: openaicompat
    base_url: https://api.x.ai/v1
    api_key: ${TEST_XAI_KEY}
    timeout: 30s
    rate_limit: 2.5
    burst: 2
  - name: claude
    kind: cli
    tier: 2
    driver: cli
    priority: 5
`)

	cfg, err := tr.LoadConfig(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.Routing)
	assert.Equal(t, tr.ProfileProd, cfg.Routing.Profile)
	require.NotNil(t, cfg.Routing.HeavyMaxCallsPerDay)
	assert.Equal(t, int64(20), *cfg.Routing.HeavyMaxCallsPerDay)
	assert.Nil(t, cfg.Routing.MaxRetries)
	assert.Equal(t, "/tmp/daily.db", cfg.DailyPath)

	require.Len(t, cfg.Providers, 2)
	grok := cfg.Providers[0]
	assert.Equal(t, "xai-secret", grok.APIKey)
	assert.Equal(t, tr.TierHeavy, grok.Tier)
	assert.Equal(t, 30*time.Second, grok.Timeout)
	assert.Equal(t, 2.5, grok.RateLimit)
	assert.Equal(t, 5, cfg.Providers[1].Priority)
}

func TestLoadConfig_TOML(t *testing.T) {
	path := writeFile(t, "cfg.toml", `
daily_state = "daily.yaml"

[[providers]]
name = "local"
kind = "local"
tier = 0
driver = "ollama"
base_url = "http://localhost:11434"
timeout = "2m"
`)

	cfg, err := tr.LoadConfig(path)
	require.NoError(t, err)
	assert.Nil(t, cfg.Routing)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, tr.TierFastLocal, cfg.Providers[0].Tier)
	assert.Equal(t, 2*time.Minute, cfg.Providers[0].Timeout)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing name": `
providers:
  - kind: cli
    driver: cli
`,
		"duplicate name": `
providers:
  - {name: a, kind: cli, driver: cli}
  - {name: a, kind: cli, driver: cli}
`,
		"bad kind": `
providers:
  - {name: a, kind: magic, driver: cli}
`,
		"bad tier": `
providers:
  - {name: a, kind: cli, driver: cli, tier: 9}
`,
		"missing driver": `
providers:
  - {name: a, kind: cli}
`,
		"bad routing": `
routing:
  atomicity: sometimes
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := tr.LoadConfig(writeFile(t, "cfg.yml", body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := tr.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }

func TestRoutingConfig_Overlay(t *testing.T) {
	base := tr.ProfileConfig(tr.ProfileLab)

	got := base.Overlay(tr.RoutingOverrides{HeavyMaxCallsPerDay: ptr(int64(9)), Atomicity: "Relaxed"})
	assert.Equal(t, int64(9), got.HeavyMaxCallsPerDay)
	assert.Equal(t, int64(5), got.HeavyMaxCallsPerRun)
	assert.Equal(t, tr.AtomicityRelaxed, got.Atomicity)

	got = base.Overlay(tr.RoutingOverrides{Profile: tr.ProfileProd})
	assert.Equal(t, int64(200), got.HeavyMaxCallsPerDay)

	got = base.Overlay(tr.RoutingOverrides{Profile: tr.ProfileDev, EnableHeavy: ptr(true)})
	assert.False(t, got.EnableHeavy)

	got = base.Overlay(tr.RoutingOverrides{EnableHeavy: ptr(false)})
	assert.False(t, got.EnableHeavy)
}

func TestRoutingConfig_OverlayExplicitZero(t *testing.T) {
	got := tr.ProfileConfig(tr.ProfileProd).Overlay(tr.RoutingOverrides{
		MaxRetries:  ptr(0),
		BackoffBase: ptr(time.Duration(0)),
	})
	assert.Equal(t, 0, got.MaxRetries)
	assert.Zero(t, got.BackoffBase)
	assert.Equal(t, 5*time.Minute, got.CallTimeout)

	got = tr.ProfileConfig(tr.ProfileProd).Overlay(tr.RoutingOverrides{})
	assert.Equal(t, tr.DefaultMaxRetries, got.MaxRetries)
	assert.Equal(t, tr.DefaultBackoffBase, got.BackoffBase)
}

func TestRoutingConfigFromMap_ExplicitZero(t *testing.T) {
	cfg, err := tr.RoutingConfigFromMap(map[string]string{"LLM_BACKOFF_MS": "0", "LLM_MAX_RETRIES": "0"})
	require.NoError(t, err)
	assert.Zero(t, cfg.BackoffBase)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Zero(t, cfg.RetryPolicy().Delay(3))

	_, err = tr.RoutingConfigFromMap(map[string]string{"LLM_BACKOFF_MS": "-5"})
	assert.Error(t, err)
}

func TestLoadConfig_RoutingZeroValues(t *testing.T) {
	path := writeFile(t, "cfg.yaml", `
routing:
  profile: lab
  max_retries: 0
  backoff_base: 0s
providers: []
`)
	cfg, err := tr.LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Routing.MaxRetries)
	got := tr.ProfileConfig(tr.ProfileLab).Overlay(*cfg.Routing)
	assert.Equal(t, 0, got.MaxRetries)
	assert.Zero(t, got.BackoffBase)
}
