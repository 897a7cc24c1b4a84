package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattkit/pkg/config"
)

// loadConfig reads --config over the defaults and applies the global flags on
// top. --log-level takes precedence over --verbose.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if level, _ := flags.GetString("log-level"); level != "" {
		cfg.LogLevel = level
	} else if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.LogLevel = logrus.DebugLevel.String()
	}
	if adapter, _ := flags.GetString("adapter"); adapter != "" {
		cfg.Adapter = adapter
	}
	if profile, _ := flags.GetString("profile"); profile != "" {
		cfg.Profile = profile
	}
	if format := flags.Lookup("format"); format != nil && format.Changed {
		cfg.OutputFormat = format.Value.String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, cfg.NewLogger(), nil
}
