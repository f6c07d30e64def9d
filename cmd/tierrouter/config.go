package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ineyio/tierrouter"
)

// effectiveConfig is the resolved configuration: environment plus file.
type effectiveConfig struct {
	Routing   tierrouter.RoutingConfig    `yaml:"routing"`
	DailyPath string                      `yaml:"daily_state,omitempty"`
	Providers []tierrouter.ProviderConfig `yaml:"providers"`
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			routing, cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			out := effectiveConfig{Routing: routing, DailyPath: flags.dailyState, Providers: cfg.Providers}
			for i := range out.Providers {
				out.Providers[i].APIKey = redact(out.Providers[i].APIKey)
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(out)
		},
	}
}

func redact(key string) string {
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
