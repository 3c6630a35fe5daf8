package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables onto cfg. Malformed values are
// returned as errors rather than ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("APIGUARD_ENV", &cfg.Environment)
	str("APIGUARD_LOG_LEVEL", &cfg.LogLevel)
	str("APIGUARD_LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("DATABASE_URL", &cfg.Database.URL)
	str("REDIS_URL", &cfg.Store.RedisURL)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("APIGUARD_ALERT_WEBHOOK_URL", &cfg.Monitor.AlertWebhookURL)

	if v, ok := lookup("APIGUARD_ALLOWED_ORIGINS"); ok && v != "" {
		cfg.Security.AllowedOrigins = splitList(v)
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APIGUARD_RATE_LIMIT_ENABLED", &cfg.Security.RateLimitEnabled},
		{"APIGUARD_CSRF_ENABLED", &cfg.Security.CSRFEnabled},
		{"APIGUARD_SECURITY_HEADERS_ENABLED", &cfg.Security.HeadersEnabled},
		{"APIGUARD_CSRF_IP_STRICT", &cfg.Security.CSRF.IPStrict},
		{"APIGUARD_TRUST_FORWARDED_FOR", &cfg.Server.TrustForwardedFor},
		{"APIGUARD_MEMORY_FALLBACK", &cfg.Store.AllowMemoryFallback},
		{"APIGUARD_ARCHIVE_EVENTS", &cfg.Monitor.Archive},
	}
	for _, b := range bools {
		v, ok := lookup(b.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", b.key, v)
		}
		*b.dst = parsed
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APIGUARD_STORE_TIMEOUT", &cfg.Store.Timeout},
		{"APIGUARD_TOKEN_TTL", &cfg.Auth.TokenTTL},
		{"APIGUARD_CSRF_TOKEN_TTL", &cfg.Security.CSRF.TokenTTL},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.key, v)
		}
		*d.dst = parsed
	}

	if v, ok := lookup("APIGUARD_MONITOR_CAPACITY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("APIGUARD_MONITOR_CAPACITY: invalid integer %q", v)
		}
		cfg.Monitor.Capacity = n
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
