// Package config handles loading, parsing, and validating application configuration.
// It defines the structure for configuration settings, provides default values,
// loads settings from YAML files, and applies overrides from environment variables.
// file: internal/config/config.go
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/dkoosis/chargeauth/internal/logging"
)

// AuthConfig contains the tunables of the authentication lifecycle core:
// token refresh scheduling and the recovery retry policy.
type AuthConfig struct {
	// RefreshThreshold is how close to expiry a credential may get before a
	// refresh is forced. Default 5 minutes.
	RefreshThreshold time.Duration `yaml:"refresh_threshold" env:"CHARGEAUTH_REFRESH_THRESHOLD"`

	// CheckInterval is the period of the background expiry check. It should be
	// materially shorter than RefreshThreshold (at most a third of it) so that
	// scheduler jitter cannot skip the refresh window. Default 1 minute.
	CheckInterval time.Duration `yaml:"check_interval" env:"CHARGEAUTH_CHECK_INTERVAL"`

	// MaxRecoveryAttempts bounds silent-reauth retries per provider. Default 3.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts" env:"CHARGEAUTH_MAX_RECOVERY_ATTEMPTS"`

	// RecoveryBaseDelay is the base of the exponential recovery backoff
	// (base * 2^attempts). Default 1 second.
	RecoveryBaseDelay time.Duration `yaml:"recovery_base_delay" env:"CHARGEAUTH_RECOVERY_BASE_DELAY"`
}

// IdentityConfig contains settings for the identity backend adapter.
type IdentityConfig struct {
	// APIKey identifies the application to the identity backend. Required when
	// the securetoken adapter is used.
	APIKey string `yaml:"api_key" env:"CHARGEAUTH_IDENTITY_API_KEY"`

	// TokenEndpoint is the URL of the credential exchange endpoint.
	TokenEndpoint string `yaml:"token_endpoint" env:"CHARGEAUTH_IDENTITY_TOKEN_ENDPOINT"`

	// TokenPath is the file used for refresh-token storage when the OS keyring
	// is unavailable. Supports '~' expansion for the home directory.
	TokenPath string `yaml:"token_path" env:"CHARGEAUTH_IDENTITY_TOKEN_PATH"`

	// RequestTimeout bounds each call to the identity backend. Default 15s.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"CHARGEAUTH_IDENTITY_REQUEST_TIMEOUT"`
}

// ProfileStoreConfig contains settings for the remote profile store client.
type ProfileStoreConfig struct {
	// BaseURL is the root of the profile store REST API.
	BaseURL string `yaml:"base_url" env:"CHARGEAUTH_PROFILE_BASE_URL"`

	// RequestTimeout bounds each call to the profile store. Default 10s.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"CHARGEAUTH_PROFILE_REQUEST_TIMEOUT"`

	// CacheTTL is how long loaded profiles are served from memory before the
	// store is consulted again. Default 5 minutes.
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CHARGEAUTH_PROFILE_CACHE_TTL"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum level emitted: debug, info, warn, or error.
	Level string `yaml:"level" env:"CHARGEAUTH_LOG_LEVEL"`
}

// Config is the root configuration structure for the chargeauth application.
type Config struct {
	Auth         AuthConfig         `yaml:"auth"`
	Identity     IdentityConfig     `yaml:"identity"`
	ProfileStore ProfileStoreConfig `yaml:"profile_store"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// DefaultConfig returns a configuration populated with default values.
// The token path defaults to a file inside the user's config directory.
func DefaultConfig() *Config {
	tokenPath := "chargeauth_refresh_token"
	if homeDir, err := os.UserHomeDir(); err == nil {
		tokenPath = filepath.Join(homeDir, ".config", "chargeauth", "refresh_token")
	}

	return &Config{
		Auth: AuthConfig{
			RefreshThreshold:    5 * time.Minute,
			CheckInterval:       1 * time.Minute,
			MaxRecoveryAttempts: 3,
			RecoveryBaseDelay:   1 * time.Second,
		},
		Identity: IdentityConfig{
			TokenPath:      tokenPath,
			RequestTimeout: 15 * time.Second,
		},
		ProfileStore: ProfileStoreConfig{
			RequestTimeout: 10 * time.Second,
			CacheTTL:       5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig builds the effective configuration: defaults, overlaid with the
// YAML file at path (if path is non-empty), overlaid with environment
// variables. Environment variables always win.
func LoadConfig(path string, logger logging.Logger) (*Config, error) {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // Path comes from the operator.
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config file: %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file: %s", path)
		}
		logger.Debug("Loaded configuration file.", "path", path)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to apply environment overrides")
	}

	cfg.Identity.TokenPath = expandHome(cfg.Identity.TokenPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that defaults alone cannot enforce.
func (c *Config) Validate() error {
	if c.Auth.RefreshThreshold <= 0 {
		return errors.New("auth.refresh_threshold must be positive")
	}
	if c.Auth.CheckInterval <= 0 {
		return errors.New("auth.check_interval must be positive")
	}
	// The check interval must leave at least three ticks inside the refresh
	// window, otherwise jitter can push a refresh past expiry.
	if c.Auth.CheckInterval > c.Auth.RefreshThreshold/3 {
		return errors.Newf("auth.check_interval (%s) must be at most a third of auth.refresh_threshold (%s)",
			c.Auth.CheckInterval, c.Auth.RefreshThreshold)
	}
	if c.Auth.MaxRecoveryAttempts < 1 {
		return errors.New("auth.max_recovery_attempts must be at least 1")
	}
	if c.Auth.RecoveryBaseDelay < 0 {
		return errors.New("auth.recovery_base_delay must not be negative")
	}
	return nil
}

// expandHome replaces a leading '~' with the user's home directory.
func expandHome(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[1:])
}
