package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "DUOSYNC"

// envNames maps config keys to their environment variable suffix.
var envNames = map[string]string{
	"syncInterval":             "SYNC_INTERVAL",
	"timestampRefreshInterval": "TIMESTAMP_REFRESH_INTERVAL",
	"maxRetryAttempts":         "MAX_RETRY_ATTEMPTS",
	"debug":                    "DEBUG",
	"backoffBase":              "BACKOFF_BASE",
	"backoffMax":               "BACKOFF_MAX",
	"staleAfter":               "STALE_AFTER",
	"requestTimeout":           "REQUEST_TIMEOUT",
	"dataDir":                  "DATA_DIR",
	"serverUrl":                "SERVER_URL",
	"manifest":                 "MANIFEST",
	"logLevel":                 "LOG_LEVEL",
	"logFile":                  "LOG_FILE",
}

// newViper returns a viper instance with defaults and env bindings registered.
func newViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("syncInterval", d.SyncInterval)
	v.SetDefault("timestampRefreshInterval", d.TimestampRefreshInterval)
	v.SetDefault("maxRetryAttempts", d.MaxRetryAttempts)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("backoffBase", d.BackoffBase)
	v.SetDefault("backoffMax", d.BackoffMax)
	v.SetDefault("staleAfter", d.StaleAfter)
	v.SetDefault("requestTimeout", d.RequestTimeout)
	v.SetDefault("dataDir", d.DataDir)
	v.SetDefault("serverUrl", d.ServerURL)
	v.SetDefault("manifest", d.Manifest)
	v.SetDefault("logLevel", d.LogLevel)
	v.SetDefault("logFile", d.LogFile)

	for key, name := range envNames {
		_ = v.BindEnv(key, EnvPrefix+"_"+name)
	}
	return v
}

// Load loads configuration from an optional file (JSON, YAML or TOML by
// extension) and applies environment variable overrides. Validation is
// deferred so CLI flag overrides can be applied first; call Validate after.
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			return nil, ErrConfigFileNotFound
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
		}
	}

	return decode(v)
}

// FromMap merges a partial configuration, as passed to Initialize, over the
// defaults and environment overrides, then validates it.
func FromMap(values map[string]any) (*Config, error) {
	v := newViper()
	if len(values) > 0 {
		if err := v.MergeConfigMap(values); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return &cfg, nil
}
