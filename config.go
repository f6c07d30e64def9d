package tierrouter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Profile selects the routing limits of a deployment.
type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileLab  Profile = "lab"
	ProfileProd Profile = "prod"
)

// ParseProfile maps a string to a Profile. Unknown values fall back to dev,
// the most restrictive profile.
func ParseProfile(s string) Profile {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case ProfileProd:
		return ProfileProd
	case ProfileLab:
		return ProfileLab
	default:
		return ProfileDev
	}
}

// Atomicity selects how CheckEligible and Commit relate under concurrency.
type Atomicity string

const (
	// AtomicityRelaxed re-checks eligibility before dispatch but holds nothing;
	// concurrent requests of one run may overshoot a limit by the number in flight.
	AtomicityRelaxed Atomicity = "relaxed"
	// AtomicityStrict holds a pending slot from Reserve until Commit or Release,
	// so limits are never exceeded.
	AtomicityStrict Atomicity = "strict"
)

const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 1000 * time.Millisecond
	DefaultCallTimeout = 5 * time.Minute
)

// RoutingConfig holds the process-wide routing limits.
type RoutingConfig struct {
	Profile              Profile       `yaml:"profile" toml:"profile"`
	EnableHeavy          bool          `yaml:"enable_heavy" toml:"enable_heavy"`
	HeavyMaxCallsPerRun  int64         `yaml:"heavy_max_calls_per_run" toml:"heavy_max_calls_per_run"`
	HeavyMaxTokensPerRun int64         `yaml:"heavy_max_tokens_per_run" toml:"heavy_max_tokens_per_run"`
	HeavyMaxCallsPerDay  int64         `yaml:"heavy_max_calls_per_day" toml:"heavy_max_calls_per_day"`
	MaxRetries           int           `yaml:"max_retries" toml:"max_retries"`
	BackoffBase          time.Duration `yaml:"backoff_base" toml:"backoff_base"`
	CallTimeout          time.Duration `yaml:"call_timeout" toml:"call_timeout"`
	Atomicity            Atomicity     `yaml:"atomicity" toml:"atomicity"`
}

// ProfileConfig returns the preset limits of a profile.
func ProfileConfig(p Profile) RoutingConfig {
	cfg := RoutingConfig{
		Profile:     p,
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
		CallTimeout: DefaultCallTimeout,
		Atomicity:   AtomicityStrict,
	}
	switch p {
	case ProfileLab:
		cfg.EnableHeavy = true
		cfg.HeavyMaxCallsPerRun = 5
		cfg.HeavyMaxTokensPerRun = 50_000
		cfg.HeavyMaxCallsPerDay = 50
	case ProfileProd:
		cfg.EnableHeavy = true
		cfg.HeavyMaxCallsPerRun = 10
		cfg.HeavyMaxTokensPerRun = 100_000
		cfg.HeavyMaxCallsPerDay = 200
	default:
		cfg.Profile = ProfileDev
		cfg.Atomicity = AtomicityRelaxed
	}
	return cfg
}

// Normalize applies defaults to unusable fields and enforces the dev invariant.
// A zero BackoffBase is kept and means retries run back to back.
func (c RoutingConfig) Normalize() RoutingConfig {
	c.Profile = ParseProfile(string(c.Profile))
	if c.Profile == ProfileDev {
		c.EnableHeavy = false
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Atomicity == "" {
		c.Atomicity = AtomicityStrict
	}
	return c
}

// Validate checks limits for consistency.
func (c RoutingConfig) Validate() error {
	if c.HeavyMaxCallsPerRun < 0 || c.HeavyMaxTokensPerRun < 0 || c.HeavyMaxCallsPerDay < 0 {
		return fmt.Errorf("tierrouter: config: heavy limits must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("tierrouter: config: max_retries must not be negative")
	}
	if c.Atomicity != AtomicityRelaxed && c.Atomicity != AtomicityStrict {
		return fmt.Errorf("tierrouter: config: invalid atomicity %q", c.Atomicity)
	}
	if c.Profile == ProfileDev && c.EnableHeavy {
		return fmt.Errorf("tierrouter: config: heavy tier cannot be enabled in dev profile")
	}
	return nil
}

// RoutingOverrides is the routing section of a config file. Nil fields are
// unset; a set zero is applied as zero.
type RoutingOverrides struct {
	Profile              Profile        `yaml:"profile" toml:"profile"`
	EnableHeavy          *bool          `yaml:"enable_heavy" toml:"enable_heavy"`
	HeavyMaxCallsPerRun  *int64         `yaml:"heavy_max_calls_per_run" toml:"heavy_max_calls_per_run"`
	HeavyMaxTokensPerRun *int64         `yaml:"heavy_max_tokens_per_run" toml:"heavy_max_tokens_per_run"`
	HeavyMaxCallsPerDay  *int64         `yaml:"heavy_max_calls_per_day" toml:"heavy_max_calls_per_day"`
	MaxRetries           *int           `yaml:"max_retries" toml:"max_retries"`
	BackoffBase          *time.Duration `yaml:"backoff_base" toml:"backoff_base"`
	CallTimeout          *time.Duration `yaml:"call_timeout" toml:"call_timeout"`
	Atomicity            Atomicity      `yaml:"atomicity" toml:"atomicity"`
}

// Overlay returns c with every set field of o applied. A different profile in
// o first resets c to that profile's preset. The dev profile still forces the
// heavy tier off.
func (c RoutingConfig) Overlay(o RoutingOverrides) RoutingConfig {
	if o.Profile != "" && ParseProfile(string(o.Profile)) != c.Profile {
		c = ProfileConfig(ParseProfile(string(o.Profile)))
	}
	if o.EnableHeavy != nil {
		c.EnableHeavy = *o.EnableHeavy
	}
	if o.HeavyMaxCallsPerRun != nil {
		c.HeavyMaxCallsPerRun = *o.HeavyMaxCallsPerRun
	}
	if o.HeavyMaxTokensPerRun != nil {
		c.HeavyMaxTokensPerRun = *o.HeavyMaxTokensPerRun
	}
	if o.HeavyMaxCallsPerDay != nil {
		c.HeavyMaxCallsPerDay = *o.HeavyMaxCallsPerDay
	}
	if o.MaxRetries != nil {
		c.MaxRetries = *o.MaxRetries
	}
	if o.BackoffBase != nil {
		c.BackoffBase = *o.BackoffBase
	}
	if o.CallTimeout != nil {
		c.CallTimeout = *o.CallTimeout
	}
	if o.Atomicity != "" {
		c.Atomicity = Atomicity(strings.ToLower(string(o.Atomicity)))
	}
	return c.Normalize()
}

// RetryPolicy returns the retry policy described by the config.
func (c RoutingConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: c.MaxRetries, BaseDelay: c.BackoffBase}
}

// routingEnv is the environment surface. Pointer fields distinguish "unset"
// from zero so that profile presets survive.
type routingEnv struct {
	Profile              string         `env:"PROFILE" envDefault:"dev"`
	EnableHeavy          *bool          `env:"ENABLE_HEAVY"`
	HeavyMaxCallsPerRun  *int64         `env:"HEAVY_MAX_CALLS_PER_RUN"`
	HeavyMaxTokensPerRun *int64         `env:"HEAVY_MAX_TOKENS_PER_RUN"`
	HeavyMaxCallsPerDay  *int64         `env:"HEAVY_MAX_CALLS_PER_DAY"`
	MaxRetries           int            `env:"LLM_MAX_RETRIES" envDefault:"3"`
	BackoffMS            *int           `env:"LLM_BACKOFF_MS"`
	CallTimeout          *time.Duration `env:"LLM_CALL_TIMEOUT"`
	Atomicity            string         `env:"QUOTA_ATOMICITY"`
}

// LoadRoutingConfigFromEnv reads the routing config from the process
// environment: the PROFILE preset, then individual overrides.
func LoadRoutingConfigFromEnv() (RoutingConfig, error) {
	return loadRoutingConfig(env.Options{})
}

// RoutingConfigFromMap is LoadRoutingConfigFromEnv over an explicit environment.
func RoutingConfigFromMap(environ map[string]string) (RoutingConfig, error) {
	return loadRoutingConfig(env.Options{Environment: environ})
}

func loadRoutingConfig(opts env.Options) (RoutingConfig, error) {
	var e routingEnv
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return RoutingConfig{}, fmt.Errorf("tierrouter: parse env: %w", err)
	}

	cfg := ProfileConfig(ParseProfile(e.Profile))
	if e.EnableHeavy != nil {
		cfg.EnableHeavy = *e.EnableHeavy
	}
	if e.HeavyMaxCallsPerRun != nil {
		cfg.HeavyMaxCallsPerRun = *e.HeavyMaxCallsPerRun
	}
	if e.HeavyMaxTokensPerRun != nil {
		cfg.HeavyMaxTokensPerRun = *e.HeavyMaxTokensPerRun
	}
	if e.HeavyMaxCallsPerDay != nil {
		cfg.HeavyMaxCallsPerDay = *e.HeavyMaxCallsPerDay
	}
	cfg.MaxRetries = e.MaxRetries
	if e.BackoffMS != nil {
		if *e.BackoffMS < 0 {
			return RoutingConfig{}, fmt.Errorf("tierrouter: config: LLM_BACKOFF_MS must not be negative")
		}
		cfg.BackoffBase = time.Duration(*e.BackoffMS) * time.Millisecond
	}
	if e.CallTimeout != nil {
		cfg.CallTimeout = *e.CallTimeout
	}
	if e.Atomicity != "" {
		cfg.Atomicity = Atomicity(strings.ToLower(e.Atomicity))
	}

	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return RoutingConfig{}, err
	}
	return cfg, nil
}

// Config is the file-based configuration: optional routing overrides plus the
// provider list.
type Config struct {
	Routing   *RoutingOverrides `yaml:"routing" toml:"routing"`
	DailyPath string            `yaml:"daily_state" toml:"daily_state"`
	Providers []ProviderConfig  `yaml:"providers" toml:"providers"`
}

// ProviderConfig configures one backend adapter.
type ProviderConfig struct {
	Name        string        `yaml:"name" toml:"name"`
	Kind        string        `yaml:"kind" toml:"kind"`
	Tier        Tier          `yaml:"tier" toml:"tier"`
	Driver      string        `yaml:"driver" toml:"driver"`
	Command     string        `yaml:"command" toml:"command"`
	Args        []string      `yaml:"args" toml:"args"`
	BaseURL     string        `yaml:"base_url" toml:"base_url"`
	Model       string        `yaml:"model" toml:"model"`
	APIKey      string        `yaml:"api_key" toml:"api_key"`
	SessionFile string        `yaml:"session_file" toml:"session_file"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	Priority    int           `yaml:"priority" toml:"priority"` // within-kind order, higher first
	RateLimit   float64       `yaml:"rate_limit" toml:"rate_limit"` // requests/second, 0 = unlimited
	Burst       int           `yaml:"burst" toml:"burst"`
}

// LoadConfig reads and parses a YAML (.yaml, .yml) or TOML (.toml) config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tierrouter: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("tierrouter: parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("tierrouter: parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("tierrouter: config: providers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("tierrouter: config: duplicate provider name %q", p.Name)
		}
		names[p.Name] = true

		if p.Driver == "" {
			return fmt.Errorf("tierrouter: config: providers[%d] (%s): driver is required", i, p.Name)
		}
		if _, err := ParseKind(p.Kind); err != nil {
			return fmt.Errorf("tierrouter: config: providers[%d] (%s): %w", i, p.Name, err)
		}
		if !p.Tier.Valid() {
			return fmt.Errorf("tierrouter: config: providers[%d] (%s): invalid tier %d", i, p.Name, p.Tier)
		}
		if p.RateLimit < 0 {
			return fmt.Errorf("tierrouter: config: providers[%d] (%s): rate_limit must not be negative", i, p.Name)
		}
	}

	if c.Routing != nil {
		preset := ProfileConfig(ParseProfile(string(c.Routing.Profile)))
		if err := preset.Overlay(*c.Routing).Validate(); err != nil {
			return err
		}
	}

	return nil
}
