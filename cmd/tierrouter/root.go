package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/ineyio/tierrouter"
	"github.com/ineyio/tierrouter/meter"
	"github.com/ineyio/tierrouter/policy"
	"github.com/ineyio/tierrouter/provider/registry"
	"github.com/ineyio/tierrouter/quota"
	"github.com/ineyio/tierrouter/quota/sqlite"
)

// cliEnv is the process environment read by the command, on top of the
// routing variables parsed by tierrouter.LoadRoutingConfigFromEnv.
type cliEnv struct {
	ConfigPath string `env:"TIERROUTER_CONFIG"`
	DailyState string `env:"QUOTA_DAILY_STATE"`
	Addr       string `env:"TIERROUTER_ADDR" envDefault:":8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
}

type globalFlags struct {
	configPath string
	dailyState string
	logLevel   string
	logJSON    bool
}

func newRootCmd() *cobra.Command {
	var e cliEnv
	envErr := env.Parse(&e)

	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "tierrouter",
		Short:         "Tiered LLM router",
		Long:          "tierrouter sends each prompt to the best eligible provider: heavy tier when allowed, then CLI sessions, OAuth sessions, API keys and a local fallback.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("parse environment: %w", envErr)
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logJSON))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", e.ConfigPath, "provider config file (.yaml, .yml or .toml)")
	root.PersistentFlags().StringVar(&flags.dailyState, "daily-state", e.DailyState, "daily heavy-call state file (.db for SQLite, otherwise YAML)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", e.LogLevel, "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "log as JSON")

	root.AddCommand(newServeCmd(flags, e.Addr))
	root.AddCommand(newCompleteCmd(flags))
	root.AddCommand(newProvidersCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	return root
}

func newLogger(w io.Writer, level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig resolves the routing config and provider list. Routing values
// set in the config file override the environment.
func loadConfig(flags *globalFlags) (tierrouter.RoutingConfig, tierrouter.Config, error) {
	routing, err := tierrouter.LoadRoutingConfigFromEnv()
	if err != nil {
		return tierrouter.RoutingConfig{}, tierrouter.Config{}, err
	}

	var cfg tierrouter.Config
	if flags.configPath != "" {
		cfg, err = tierrouter.LoadConfig(flags.configPath)
		if err != nil {
			return tierrouter.RoutingConfig{}, tierrouter.Config{}, err
		}
	} else {
		cfg = registry.Defaults(os.Getenv)
	}

	if cfg.Routing != nil {
		routing = routing.Overlay(*cfg.Routing)
		if err := routing.Validate(); err != nil {
			return tierrouter.RoutingConfig{}, tierrouter.Config{}, err
		}
	}
	if flags.dailyState == "" {
		flags.dailyState = cfg.DailyPath
	}
	return routing, cfg, nil
}

// buildRouter wires providers, the quota ledger with its daily store, and the
// stats sink. The returned close function releases the stores.
func buildRouter(flags *globalFlags) (*tierrouter.Router, func() error, error) {
	routing, cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}

	providers, opts, err := registry.Build(cfg)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.Default()
	closeFn := func() error { return nil }

	ledgerOpts := []tierrouter.LedgerOption{
		tierrouter.WithAtomicity(routing.Atomicity),
		tierrouter.WithLedgerLogger(logger),
	}
	statsOpts := []tierrouter.StatsOption{tierrouter.WithStatsLogger(logger)}

	switch path := flags.dailyState; {
	case path == "":
	case strings.HasSuffix(path, ".db"):
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, err
		}
		ledgerOpts = append(ledgerOpts, tierrouter.WithDailyStore(store))
		statsOpts = append(statsOpts, tierrouter.WithRecordSink(store))
		closeFn = store.Close
	default:
		ledgerOpts = append(ledgerOpts, tierrouter.WithDailyStore(quota.NewFileDailyStore(path)))
	}

	opts = append(opts,
		tierrouter.WithLedger(tierrouter.NewMemoryLedger(routing.Limits(), ledgerOpts...)),
		tierrouter.WithStats(tierrouter.NewStatsRegistry(statsOpts...)),
		tierrouter.WithMeter(meter.NewLogMeter(logger)),
		tierrouter.WithPolicy(&policy.PriorityPolicy{}),
		tierrouter.WithLogger(logger),
	)

	r, err := tierrouter.NewRouter(routing, providers, opts...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return r, closeFn, nil
}
