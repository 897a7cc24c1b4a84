package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Adapters
const (
	AdapterGoBLE = "goble"
	AdapterSim   = "sim"
)

// OutputFormats lists the accepted values of output_format
var OutputFormats = []string{"table", "json"}

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	// Adapter selects the bridge: goble for the host adapter, sim for a YAML profile
	Adapter string `yaml:"adapter" default:"goble"`
	// Profile is the sim peripheral profile path
	Profile string `yaml:"profile"`

	ScanTimeout      time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"10s"`
	// CloseConfirmTimeout bounds the wait for a disconnect confirmation; zero assumes it at once
	CloseConfirmTimeout time.Duration `yaml:"close_confirm_timeout" default:"2s"`
	ScanBuffer          uint32        `yaml:"scan_buffer" default:"256"`
	OutputFormat        string        `yaml:"output_format" default:"table"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerated values and timeouts
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.Adapter {
	case AdapterGoBLE:
	case AdapterSim:
		if c.Profile == "" {
			return fmt.Errorf("adapter %q requires a profile", AdapterSim)
		}
	default:
		return fmt.Errorf("adapter: unknown adapter %q (want %s or %s)", c.Adapter, AdapterGoBLE, AdapterSim)
	}

	valid := false
	for _, f := range OutputFormats {
		if c.OutputFormat == f {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("output_format: unknown format %q (want %s)", c.OutputFormat, strings.Join(OutputFormats, ", "))
	}

	for name, d := range map[string]time.Duration{
		"scan_timeout":          c.ScanTimeout,
		"connect_timeout":       c.ConnectTimeout,
		"operation_timeout":     c.OperationTimeout,
		"close_confirm_timeout": c.CloseConfirmTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Level returns the parsed log level, Info when unparsable
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
