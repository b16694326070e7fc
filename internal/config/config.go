// Package config holds the sync engine configuration and its loader.
package config

import (
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/logging"
)

// Config holds all configuration for the sync engine. Durations are in
// milliseconds to match the JSON configuration surface.
type Config struct {
	SyncInterval             int64 `json:"syncInterval" mapstructure:"syncInterval"`
	TimestampRefreshInterval int64 `json:"timestampRefreshInterval" mapstructure:"timestampRefreshInterval"`
	MaxRetryAttempts         int   `json:"maxRetryAttempts" mapstructure:"maxRetryAttempts"`
	Debug                    bool  `json:"debug" mapstructure:"debug"`

	BackoffBase    int64 `json:"backoffBase" mapstructure:"backoffBase"`
	BackoffMax     int64 `json:"backoffMax" mapstructure:"backoffMax"`
	StaleAfter     int64 `json:"staleAfter" mapstructure:"staleAfter"`
	RequestTimeout int64 `json:"requestTimeout" mapstructure:"requestTimeout"`

	DataDir   string `json:"dataDir" mapstructure:"dataDir"`
	ServerURL string `json:"serverUrl" mapstructure:"serverUrl"`
	Manifest  string `json:"manifest" mapstructure:"manifest"`
	LogLevel  string `json:"logLevel" mapstructure:"logLevel"`
	LogFile   string `json:"logFile" mapstructure:"logFile"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SyncInterval:             5000,
		TimestampRefreshInterval: 60000,
		MaxRetryAttempts:         5,
		BackoffBase:              1000,
		BackoffMax:               300000,
		StaleAfter:               300000,
		RequestTimeout:           30000,
		DataDir:                  "./data",
		ServerURL:                "http://localhost:8090",
		LogLevel:                 "info",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	numeric := []struct {
		name  string
		value int64
	}{
		{"syncInterval", c.SyncInterval},
		{"timestampRefreshInterval", c.TimestampRefreshInterval},
		{"maxRetryAttempts", int64(c.MaxRetryAttempts)},
		{"backoffBase", c.BackoffBase},
		{"backoffMax", c.BackoffMax},
		{"staleAfter", c.StaleAfter},
		{"requestTimeout", c.RequestTimeout},
	}
	for _, n := range numeric {
		if n.value < 0 {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("%s = %d", n.name, n.value), ErrNegativeValue)
		}
	}
	if c.BackoffMax < c.BackoffBase {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("backoffBase = %d, backoffMax = %d", c.BackoffBase, c.BackoffMax), ErrBackoffRange)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("logLevel = %q", c.LogLevel), ErrInvalidLogLevel)
	}
	return nil
}

// Level returns the effective log level; debug forces DEBUG.
func (c *Config) Level() logging.LogLevel {
	if c.Debug {
		return logging.LevelDebug
	}
	lvl, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}

// SyncIntervalDuration returns the flush interval. Zero disables the
// periodic flush.
func (c *Config) SyncIntervalDuration() time.Duration {
	return ms(c.SyncInterval)
}

// RefreshIntervalDuration returns the freshness refresh interval. Zero
// disables the periodic refresh.
func (c *Config) RefreshIntervalDuration() time.Duration {
	return ms(c.TimestampRefreshInterval)
}

// BackoffBaseDuration returns the first retry delay unit.
func (c *Config) BackoffBaseDuration() time.Duration {
	return ms(c.BackoffBase)
}

// BackoffMaxDuration returns the retry delay ceiling.
func (c *Config) BackoffMaxDuration() time.Duration {
	return ms(c.BackoffMax)
}

// StaleAfterDuration returns the age after which a synced record is re-fetched.
func (c *Config) StaleAfterDuration() time.Duration {
	return ms(c.StaleAfter)
}

// RequestTimeoutDuration returns the per-request timeout. Zero means none.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return ms(c.RequestTimeout)
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
