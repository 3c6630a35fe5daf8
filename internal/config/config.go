// Package config loads the immutable process configuration: defaults, an
// optional YAML file, then environment overrides. The result is validated
// once at startup and handed to every component constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the root configuration.
type Config struct {
	Environment string         `yaml:"environment"`
	LogLevel    string         `yaml:"log_level"`
	Server      ServerConfig   `yaml:"server"`
	Database    DatabaseConfig `yaml:"database"`
	Store       StoreConfig    `yaml:"store"`
	Security    SecurityConfig `yaml:"security"`
	Auth        AuthConfig     `yaml:"auth"`
	Monitor     MonitorConfig  `yaml:"monitor"`
	Upload      UploadConfig   `yaml:"upload"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`
	// TrustForwardedFor makes X-Forwarded-For / X-Real-IP authoritative for
	// the client address. Enable it only behind a proxy that overwrites them.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`
}

// DatabaseConfig points at the identity provider / archive database.
type DatabaseConfig struct {
	URL           string `yaml:"url"`
	MigrationsDir string `yaml:"migrations_dir"`
}

// StoreConfig selects the token store backend.
type StoreConfig struct {
	RedisURL            string        `yaml:"redis_url"`
	KeyPrefix           string        `yaml:"key_prefix"`
	AllowMemoryFallback bool          `yaml:"allow_memory_fallback"`
	Timeout             time.Duration `yaml:"timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// ScopeConfig is one rate-limit policy.
type ScopeConfig struct {
	Points int           `yaml:"points"`
	Window time.Duration `yaml:"window"`
	Block  time.Duration `yaml:"block"`
}

// CSRFConfig configures the CSRF guard.
type CSRFConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
	// IPStrict turns a bound-IP mismatch into a validation failure instead
	// of a log line.
	IPStrict    bool     `yaml:"ip_strict"`
	ExemptPaths []string `yaml:"exempt_paths"`
}

// SecurityConfig holds the pipeline feature toggles.
type SecurityConfig struct {
	RateLimitEnabled bool                   `yaml:"rate_limit_enabled"`
	CSRFEnabled      bool                   `yaml:"csrf_enabled"`
	HeadersEnabled   bool                   `yaml:"headers_enabled"`
	AllowedOrigins   []string               `yaml:"allowed_origins"`
	RateLimits       map[string]ScopeConfig `yaml:"rate_limits"`
	TrustedTTL       time.Duration          `yaml:"trusted_ttl"`
	CSRF             CSRFConfig             `yaml:"csrf"`
	APIVersions      []string               `yaml:"api_versions"`
}

// AuthConfig holds identity settings.
type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	TokenTTL           time.Duration `yaml:"token_ttl"`
	SessionCookie      string        `yaml:"session_cookie"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	MaxSessionAge      time.Duration `yaml:"max_session_age"`
	MaxElevatedSession time.Duration `yaml:"max_elevated_session_age"`
}

// MonitorConfig holds security monitor settings.
type MonitorConfig struct {
	Capacity            int           `yaml:"capacity"`
	BruteForceThreshold int           `yaml:"brute_force_threshold"`
	FailedLoginWindow   time.Duration `yaml:"failed_login_window"`
	SuspicionDecay      time.Duration `yaml:"suspicion_decay"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	AlertWebhookURL     string        `yaml:"alert_webhook_url"`
	AlertsPerMinute     int           `yaml:"alerts_per_minute"`
	Archive             bool          `yaml:"archive"`
}

// UploadConfig bounds file uploads.
type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		LogLevel:    "info",
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Database: DatabaseConfig{
			MigrationsDir: "migrations",
		},
		Store: StoreConfig{
			KeyPrefix:           "apiguard:",
			AllowMemoryFallback: true,
			Timeout:             250 * time.Millisecond,
			SweepInterval:       time.Minute,
		},
		Security: SecurityConfig{
			RateLimitEnabled: true,
			CSRFEnabled:      true,
			HeadersEnabled:   true,
			AllowedOrigins:   []string{"http://localhost:3000"},
			RateLimits:       DefaultRateLimits(),
			TrustedTTL:       24 * time.Hour,
			CSRF: CSRFConfig{
				TokenTTL:    time.Hour,
				ExemptPaths: []string{"/v1/auth/oauth/callback"},
			},
			APIVersions: []string{"v1"},
		},
		Auth: AuthConfig{
			TokenTTL:           time.Hour,
			SessionCookie:      "sid",
			SessionTTL:         24 * time.Hour,
			MaxSessionAge:      24 * time.Hour,
			MaxElevatedSession: 8 * time.Hour,
		},
		Monitor: MonitorConfig{
			Capacity:            10000,
			BruteForceThreshold: 5,
			FailedLoginWindow:   15 * time.Minute,
			SuspicionDecay:      24 * time.Hour,
			CleanupInterval:     time.Hour,
			AlertsPerMinute:     30,
		},
		Upload: UploadConfig{
			MaxBytes: 10 << 20,
		},
	}
}

// DefaultRateLimits returns the built-in scope policies.
func DefaultRateLimits() map[string]ScopeConfig {
	return map[string]ScopeConfig{
		"api":            {Points: 100, Window: time.Minute, Block: 15 * time.Minute},
		"auth":           {Points: 5, Window: 5 * time.Minute, Block: 30 * time.Minute},
		"authenticated":  {Points: 1000, Window: time.Minute, Block: 5 * time.Minute},
		"code-execution": {Points: 10, Window: time.Minute, Block: 10 * time.Minute},
		"upload":         {Points: 20, Window: time.Hour, Block: time.Hour},
	}
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Load builds the configuration from defaults, the YAML file at path (if
// it exists) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			log.Warn().Str("file", path).Msg("config file not found, using defaults")
		default:
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	mergeDefaultScopes(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeDefaultScopes fills scopes a YAML file left out so a partial
// rate_limits block does not silently drop the built-in policies.
func mergeDefaultScopes(cfg *Config) {
	if cfg.Security.RateLimits == nil {
		cfg.Security.RateLimits = map[string]ScopeConfig{}
	}
	for name, sc := range DefaultRateLimits() {
		if _, ok := cfg.Security.RateLimits[name]; !ok {
			cfg.Security.RateLimits[name] = sc
		}
	}
}
