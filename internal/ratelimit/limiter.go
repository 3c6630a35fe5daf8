// Package ratelimit implements scoped fixed-window rate limiting with a
// penalty box, backed by a store.TokenStore.
//
// Buckets are keyed per scope, per caller (user id when authenticated,
// otherwise client IP) and per endpoint. Two adaptive rules sit on top of
// the static scope table: a trusted user's api traffic is served from the
// generous authenticated bucket, and a suspicious IP's api traffic is held
// to the auth policy.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/config"
	"github.com/org/apiguard/internal/store"
	"github.com/org/apiguard/pkg/models"
)

// Scope names a rate-limit policy.
type Scope string

const (
	ScopeAPI           Scope = "api"
	ScopeAuth          Scope = "auth"
	ScopeAuthenticated Scope = "authenticated"
	ScopeCodeExecution Scope = "code-execution"
	ScopeUpload        Scope = "upload"
)

// Reporter receives the limiter's security events and answers whether a
// source address is currently suspicious. *monitor.Monitor satisfies it.
type Reporter interface {
	RecordContext(ctx context.Context, typ models.EventType, sev models.Severity, details map[string]any) models.SecurityEvent
	IsSuspicious(ip string) bool
}

// Subject identifies the caller a bucket is charged to.
type Subject struct {
	UserID string
	IP     string
}

func (s Subject) key() string {
	if s.UserID != "" {
		return "user:" + s.UserID
	}
	return "ip:" + s.IP
}

// Limiter consumes points from scoped buckets.
type Limiter struct {
	store    store.TokenStore
	reporter Reporter
	policies map[Scope]store.Policy
	enabled  bool
	timeout  time.Duration
	trusted  *trustedSet
	now      func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
		l.trusted.now = now
	}
}

// New builds a Limiter from the security and store configuration.
func New(ts store.TokenStore, reporter Reporter, sec config.SecurityConfig, sc config.StoreConfig, opts ...Option) *Limiter {
	policies := make(map[Scope]store.Policy, len(sec.RateLimits))
	for name, p := range sec.RateLimits {
		policies[Scope(name)] = store.Policy{Points: p.Points, Window: p.Window, Block: p.Block}
	}
	l := &Limiter{
		store:    ts,
		reporter: reporter,
		policies: policies,
		enabled:  sec.RateLimitEnabled,
		timeout:  sc.Timeout,
		trusted:  newTrustedSet(sec.TrustedTTL),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Enabled reports whether limiting is switched on.
func (l *Limiter) Enabled() bool { return l.enabled }

// Policy returns the configured policy for scope.
func (l *Limiter) Policy(scope Scope) (store.Policy, bool) {
	p, ok := l.policies[scope]
	return p, ok
}

// MarkTrusted grants userID the authenticated bucket for api traffic until
// the trust TTL runs out.
func (l *Limiter) MarkTrusted(userID string) {
	if userID != "" {
		l.trusted.mark(userID)
	}
}

// IsTrusted reports whether userID currently holds the trusted marker.
func (l *Limiter) IsTrusted(userID string) bool {
	return userID != "" && l.trusted.has(userID)
}

// Key builds the bucket key for a scope, subject and endpoint.
func Key(scope Scope, subj Subject, endpoint string) string {
	return string(scope) + ":" + subj.key() + ":" + endpoint
}

// resolve applies the adaptive rules to the requested scope. A suspicious
// source outranks a trusted user.
func (l *Limiter) resolve(scope Scope, subj Subject) (Scope, Subject) {
	if scope != ScopeAPI {
		return scope, subj
	}
	if subj.IP != "" && l.reporter != nil && l.reporter.IsSuspicious(subj.IP) {
		return ScopeAuth, Subject{IP: subj.IP}
	}
	if subj.UserID != "" && l.IsTrusted(subj.UserID) {
		return ScopeAuthenticated, Subject{UserID: subj.UserID}
	}
	return scope, subj
}

// Consume charges one point for subj against scope at endpoint.
//
// Unknown scopes and store failures fail open: the request is allowed and
// the condition is logged and reported, since a broken limiter must never
// turn into an outage.
func (l *Limiter) Consume(ctx context.Context, scope Scope, subj Subject, endpoint string) Decision {
	if !l.enabled {
		return Decision{Scope: scope, Allowed: true, Skipped: true}
	}

	requested := scope
	scope, subj = l.resolve(scope, subj)
	key := Key(scope, subj, endpoint)

	policy, ok := l.policies[scope]
	if !ok {
		log.Error().Str("component", "ratelimit").Str("scope", string(scope)).Msg("unknown rate limit scope, allowing request")
		l.report(ctx, models.EventConfigurationError, models.SeverityMedium, map[string]any{
			"scope":  string(scope),
			"reason": "unknown rate limit scope",
		})
		decisionsTotal.WithLabelValues(string(scope), outcomeFailOpen).Inc()
		return Decision{Scope: scope, Key: key, Allowed: true, FailOpen: true}
	}

	sctx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	st, err := l.store.Consume(sctx, key, policy)
	if err != nil {
		log.Warn().Err(err).Str("component", "ratelimit").Str("key", key).Msg("token store unavailable, failing open")
		l.report(ctx, models.EventSystemError, models.SeverityLow, map[string]any{
			"scope":  string(scope),
			"key":    key,
			"reason": storeErrorReason(err),
		})
		decisionsTotal.WithLabelValues(string(scope), outcomeFailOpen).Inc()
		return Decision{Scope: scope, Key: key, Allowed: true, FailOpen: true, Limit: policy.Points, Remaining: policy.Points}
	}

	d := Decision{
		Scope:     scope,
		Key:       key,
		Allowed:   st.Allowed,
		Limit:     policy.Points,
		Remaining: st.Remaining,
		ResetAt:   st.ResetAt,
		Blocked:   st.Blocked,
		now:       l.now,
	}
	if d.Allowed {
		decisionsTotal.WithLabelValues(string(scope), outcomeAllowed).Inc()
		return d
	}

	decisionsTotal.WithLabelValues(string(scope), outcomeDenied).Inc()
	details := map[string]any{
		"scope":      string(scope),
		"key":        key,
		"retryAfter": d.RetryAfterSeconds(),
		"blocked":    d.Blocked,
	}
	if requested != scope {
		details["requestedScope"] = string(requested)
	}
	l.report(ctx, models.EventRateLimitExceeded, models.SeverityMedium, details)
	return d
}

func (l *Limiter) report(ctx context.Context, typ models.EventType, sev models.Severity, details map[string]any) {
	if l.reporter != nil {
		l.reporter.RecordContext(ctx, typ, sev, details)
	}
}

func storeErrorReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "store timeout"
	}
	return fmt.Sprintf("store error: %v", err)
}
