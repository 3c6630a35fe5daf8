package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// MinSecretLength is the shortest accepted JWT secret, in bytes.
const MinSecretLength = 32

// KnownScopes are the rate-limit scopes the pipeline routes to.
var KnownScopes = []string{"api", "auth", "authenticated", "code-execution", "upload"}

// Validate checks the configuration. It collects every problem rather than
// stopping at the first one.
func (c *Config) Validate() error {
	var errs []string

	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		errs = append(errs, fmt.Sprintf("environment must be development or production (got %q)", c.Environment))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log_level %q is not a valid level", c.LogLevel))
	}
	if c.Database.URL == "" {
		errs = append(errs, "database.url must be configured (or DATABASE_URL env var)")
	}
	if len(c.Auth.JWTSecret) < MinSecretLength {
		errs = append(errs, fmt.Sprintf("auth.jwt_secret must be at least %d bytes (or JWT_SECRET env var)", MinSecretLength))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, "auth.token_ttl must be positive")
	}
	if c.Auth.MaxSessionAge <= 0 || c.Auth.MaxElevatedSession <= 0 {
		errs = append(errs, "auth session ages must be positive")
	}
	if c.Auth.SessionCookie == "" {
		errs = append(errs, "auth.session_cookie must not be empty")
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, "store.timeout must be positive")
	}
	if c.Store.RedisURL == "" && !c.Store.AllowMemoryFallback {
		errs = append(errs, "store.redis_url is required when allow_memory_fallback is false")
	}

	for _, name := range KnownScopes {
		if _, ok := c.Security.RateLimits[name]; !ok {
			errs = append(errs, fmt.Sprintf("security.rate_limits.%s is missing", name))
		}
	}
	names := make([]string, 0, len(c.Security.RateLimits))
	for name := range c.Security.RateLimits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sc := c.Security.RateLimits[name]
		if sc.Points <= 0 {
			errs = append(errs, fmt.Sprintf("security.rate_limits.%s.points must be positive (got %d)", name, sc.Points))
		}
		if sc.Window <= 0 {
			errs = append(errs, fmt.Sprintf("security.rate_limits.%s.window must be positive", name))
		}
		if sc.Block < 0 {
			errs = append(errs, fmt.Sprintf("security.rate_limits.%s.block must not be negative", name))
		}
	}
	if c.Security.CSRF.TokenTTL <= 0 {
		errs = append(errs, "security.csrf.token_ttl must be positive")
	}
	for _, origin := range c.Security.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("security.allowed_origins: %q is not a valid origin", origin))
		}
	}
	if len(c.Security.APIVersions) == 0 {
		errs = append(errs, "security.api_versions must not be empty")
	}

	if c.Monitor.Capacity <= 0 {
		errs = append(errs, fmt.Sprintf("monitor.capacity must be positive (got %d)", c.Monitor.Capacity))
	}
	if c.Monitor.BruteForceThreshold <= 0 {
		errs = append(errs, "monitor.brute_force_threshold must be positive")
	}
	if c.Monitor.FailedLoginWindow <= 0 || c.Monitor.SuspicionDecay <= 0 || c.Monitor.CleanupInterval <= 0 {
		errs = append(errs, "monitor windows and intervals must be positive")
	}
	if c.Monitor.AlertWebhookURL != "" {
		if u, err := url.Parse(c.Monitor.AlertWebhookURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("monitor.alert_webhook_url %q is not a valid URL", c.Monitor.AlertWebhookURL))
		}
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, "upload.max_bytes must be positive")
	}

	if len(errs) > 0 {
		return errors.New("invalid configuration:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}
