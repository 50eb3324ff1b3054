// Package config loads hearth settings from a config file, environment
// variables, and built-in defaults, in ascending order of precedence:
// defaults, then the file, then HEARTH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when neither the file nor the environment sets a key.
const (
	DefaultSnapshotPath  = "hearth.snapshot"
	DefaultJournalPath   = "hearth-journal.db"
	DefaultLockTimeout   = 3 * time.Second
	DefaultSlowThreshold = 250 * time.Millisecond
	DefaultLedgerCap     = 4096
	DefaultLedgerTTL     = time.Hour
	DefaultLatencyWindow = 4096
)

// Config is the resolved runtime configuration.
type Config struct {
	SnapshotPath string `mapstructure:"snapshot_path"`
	JournalPath  string `mapstructure:"journal_path"`

	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`

	LedgerCapacity int           `mapstructure:"ledger_capacity"`
	LedgerTTL      time.Duration `mapstructure:"ledger_ttl"`
	LatencyWindow  int           `mapstructure:"latency_window"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
	// MetricsAddr, when non-empty, serves /metrics on this address.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Load resolves the configuration. path names an explicit config file;
// empty means search for hearth.yaml in the working directory, and a
// missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("snapshot_path", DefaultSnapshotPath)
	v.SetDefault("journal_path", DefaultJournalPath)
	v.SetDefault("lock_timeout", DefaultLockTimeout)
	v.SetDefault("slow_threshold", DefaultSlowThreshold)
	v.SetDefault("ledger_capacity", DefaultLedgerCap)
	v.SetDefault("ledger_ttl", DefaultLedgerTTL)
	v.SetDefault("latency_window", DefaultLatencyWindow)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")

	v.SetEnvPrefix("HEARTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("hearth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SnapshotPath == "" {
		return errors.New("config: snapshot_path must not be empty")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("config: lock_timeout must be positive, got %s", c.LockTimeout)
	}
	if c.LedgerCapacity <= 0 {
		return fmt.Errorf("config: ledger_capacity must be positive, got %d", c.LedgerCapacity)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}
