package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Defaults applied when a field is absent from both file and environment.
const (
	DefaultPollInterval     = 5 * time.Second
	DefaultFetchTimeout     = 30 * time.Second
	DefaultOptimisticExpiry = 15 * time.Second
)

// Config is the global ~/.fixsync/config.toml, with FIXSYNC_* environment
// variables taking precedence over file values.
type Config struct {
	DefaultSession string `toml:"default_session" env:"FIXSYNC_SESSION"`
	BackendURL     string `toml:"backend_url" env:"FIXSYNC_BACKEND_URL"`

	PollIntervalSeconds     int `toml:"poll_interval_seconds" env:"FIXSYNC_POLL_INTERVAL_SECONDS"`
	FetchTimeoutSeconds     int `toml:"fetch_timeout_seconds" env:"FIXSYNC_FETCH_TIMEOUT_SECONDS"`
	OptimisticExpirySeconds int `toml:"optimistic_expiry_seconds" env:"FIXSYNC_OPTIMISTIC_EXPIRY_SECONDS"`
}

// Load reads config from path, then applies environment overrides.
// A missing file is not an error: environment-only configuration is valid.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// PollInterval returns the configured fetch interval.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// FetchTimeout returns the per-fetch bounded wait.
func (c *Config) FetchTimeout() time.Duration {
	if c.FetchTimeoutSeconds <= 0 {
		return DefaultFetchTimeout
	}
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// OptimisticExpiry returns how long an unconfirmed optimistic message may
// wait for server confirmation before it is marked failed.
func (c *Config) OptimisticExpiry() time.Duration {
	if c.OptimisticExpirySeconds <= 0 {
		return DefaultOptimisticExpiry
	}
	return time.Duration(c.OptimisticExpirySeconds) * time.Second
}
