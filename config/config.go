package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vaultroom/vaultroom/globals"
)

const (
	NotifierLocal = "local"
	NotifierNATS  = "nats"

	defaultMaxMessageBytes = 4096
	defaultSessionTTLDays  = 14
	defaultSweepSpec       = "@every 5m"
	defaultSweepMaxAge     = "30m"
	defaultKeyCacheSize    = 512
)

// Config is the global configuration object, filled from the configuration
// file, environment (prefix VAULTROOM) and bound flags.
type Config struct {
	StorageConfig StorageConfig `mapstructure:"storage"`
	LimitsConfig  LimitsConfig  `mapstructure:"limits"`
	SessionConfig SessionConfig `mapstructure:"session"`
	SweepConfig   SweepConfig   `mapstructure:"sweep"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	LogLevel      string        `mapstructure:"log_level"`
}

// StorageConfig lists the blob-store instance DSNs. Instances holds one
// BuntDB path (or ":memory:") per storage instance; LocalIndex selects the
// entry this process writes to. Notifier selects the change-notification
// channel between gateway processes.
type StorageConfig struct {
	Instances    []string `mapstructure:"instances"`
	LocalIndex   int      `mapstructure:"local_index"`
	Notifier     string   `mapstructure:"notifier"`
	NatsURL      string   `mapstructure:"nats_url"`
	KeyCacheSize int      `mapstructure:"key_cache_size"`
}

type LimitsConfig struct {
	// MaxMessageBytes is the ceiling for a single encrypted message body.
	// Oversize payloads are rejected without mutating state.
	MaxMessageBytes int `mapstructure:"max_message_bytes"`
}

type SessionConfig struct {
	TTLDays int `mapstructure:"ttl_days"`
}

// SweepConfig drives the periodic stale-member sweep: members left behind by
// a crashed instance must not linger forever.
type SweepConfig struct {
	CronSpec string `mapstructure:"cron_spec"`
	MaxAge   string `mapstructure:"max_age"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("metrics-addr", "", "listen address for the metrics endpoint (optional)")
	flagSet.String("log-level", "", "log level (TRACE/DEBUG/INFO/WARN/ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("storage.instances", []string{":memory:"})
	viper.SetDefault("storage.local_index", 0)
	viper.SetDefault("storage.notifier", NotifierLocal)
	viper.SetDefault("storage.key_cache_size", defaultKeyCacheSize)
	viper.SetDefault("limits.max_message_bytes", defaultMaxMessageBytes)
	viper.SetDefault("session.ttl_days", defaultSessionTTLDays)
	viper.SetDefault("sweep.cron_spec", defaultSweepSpec)
	viper.SetDefault("sweep.max_age", defaultSweepMaxAge)
	if err := viper.BindPFlags(flagSet); err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("VAULTROOM")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		if err := viper.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}

	globals.AppLogger.Debug("config", "cfg", cfg)
	return &cfg, nil
}
