// Package csrf issues and validates anti-forgery tokens.
//
// Two variants are supported. Bound tokens are stored server-side under the
// token value with the user agent and address seen at issue time. The
// double-submit variant keeps nothing server-side: the cookie and header
// copies of the token must be equal.
package csrf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/config"
	"github.com/org/apiguard/internal/crypto"
	"github.com/org/apiguard/internal/policy"
	"github.com/org/apiguard/internal/reqctx"
	"github.com/org/apiguard/internal/store"
	"github.com/org/apiguard/pkg/models"
)

const (
	HeaderName = "X-CSRF-Token"
	CookieName = "csrf_token"
	keyPrefix  = "csrf:"
)

// Mode selects how a route is protected.
type Mode string

const (
	ModeOff          Mode = "off"
	ModeStandard     Mode = "standard"
	ModeStrict       Mode = "strict"
	ModeDoubleSubmit Mode = "double-submit"
)

// Reason explains a failed validation.
type Reason string

const (
	ReasonMissing           Reason = "missing"
	ReasonNotFound          Reason = "not_found"
	ReasonExpired           Reason = "expired"
	ReasonUserAgentMismatch Reason = "user_agent_mismatch"
	ReasonIPMismatch        Reason = "ip_mismatch"
	ReasonCookieMismatch    Reason = "cookie_mismatch"
	ReasonMalformed         Reason = "malformed"
)

// Reporter receives CSRF security events. *monitor.Monitor satisfies it.
type Reporter interface {
	RecordContext(ctx context.Context, typ models.EventType, sev models.Severity, details map[string]any) models.SecurityEvent
}

// Token is an issued token as returned to the client.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// binding is the server-side record of an issued token.
type binding struct {
	ExpiresAt time.Time `json:"expiresAt"`
	UserAgent string    `json:"userAgent"`
	IP        string    `json:"ip"`
}

// Result is the outcome of Validate.
type Result struct {
	Valid  bool
	Reason Reason
	// Skipped is set when the request needed no check (safe method,
	// exempt path, protection disabled).
	Skipped bool
	// FailOpen is set when the store could not be reached.
	FailOpen bool
}

// Missing reports whether the request carried no token at all.
func (r Result) Missing() bool { return !r.Valid && r.Reason == ReasonMissing }

// Guard issues and validates tokens.
type Guard struct {
	store        store.TokenStore
	reporter     Reporter
	enabled      bool
	ttl          time.Duration
	ipStrict     bool
	exempt       *policy.Matcher
	secureCookie bool
	timeout      time.Duration
	now          func() time.Time
}

// Option customises a Guard.
type Option func(*Guard)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New builds a Guard. secureCookie marks the double-submit cookie Secure,
// which production deployments require.
func New(ts store.TokenStore, reporter Reporter, sec config.SecurityConfig, sc config.StoreConfig, secureCookie bool, opts ...Option) *Guard {
	ttl := sec.CSRF.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	g := &Guard{
		store:        ts,
		reporter:     reporter,
		enabled:      sec.CSRFEnabled,
		ttl:          ttl,
		ipStrict:     sec.CSRF.IPStrict,
		exempt:       policy.NewMatcher(sec.CSRF.ExemptPaths),
		secureCookie: secureCookie,
		timeout:      sc.Timeout,
		now:          time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Enabled reports whether protection is switched on.
func (g *Guard) Enabled() bool { return g.enabled }

// Issue creates a token bound to the request's user agent and address and
// stores it for the token TTL.
func (g *Guard) Issue(ctx context.Context, r *http.Request) (Token, error) {
	value, err := crypto.RandomToken()
	if err != nil {
		return Token{}, err
	}
	b := binding{
		ExpiresAt: g.now().Add(g.ttl).UTC(),
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
	}
	data, err := json.Marshal(b)
	if err != nil {
		return Token{}, fmt.Errorf("encoding csrf binding: %w", err)
	}
	if err := g.store.Set(ctx, keyPrefix+value, data, g.ttl); err != nil {
		return Token{}, fmt.Errorf("storing csrf token: %w", err)
	}
	return Token{Token: value, ExpiresAt: b.ExpiresAt}, nil
}

// SetCookie writes tok as the double-submit cookie. The cookie is readable
// by scripts so the client can echo it in the header.
func (g *Guard) SetCookie(w http.ResponseWriter, tok Token) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    tok.Token,
		Path:     "/",
		Expires:  tok.ExpiresAt,
		HttpOnly: false,
		Secure:   g.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

// Revoke deletes a bound token.
func (g *Guard) Revoke(ctx context.Context, token string) error {
	return g.store.Delete(ctx, keyPrefix+token)
}

// Validate checks r under mode. Only state-changing methods are checked.
// Failures are reported as csrf_token_missing or csrf_token_invalid events.
func (g *Guard) Validate(ctx context.Context, r *http.Request, mode Mode) Result {
	if !g.enabled || mode == ModeOff || mode == "" || !IsStateChanging(r.Method) || g.exempt.Match(r.URL.Path) {
		return Result{Valid: true, Skipped: true}
	}

	var res Result
	if mode == ModeDoubleSubmit {
		res = g.validateDoubleSubmit(r)
	} else {
		res = g.validateBound(ctx, r, mode == ModeStrict)
	}

	if !res.Valid {
		typ := models.EventCSRFTokenInvalid
		if res.Missing() {
			typ = models.EventCSRFTokenMissing
		}
		g.report(ctx, typ, models.SeverityMedium, map[string]any{
			"mode":   string(mode),
			"reason": string(res.Reason),
		})
	}
	return res
}

func (g *Guard) validateDoubleSubmit(r *http.Request) Result {
	header := r.Header.Get(HeaderName)
	cookie := cookieValue(r)
	if header == "" || cookie == "" {
		return Result{Reason: ReasonMissing}
	}
	if !crypto.ConstantTimeEqual(header, cookie) {
		return Result{Reason: ReasonCookieMismatch}
	}
	return Result{Valid: true}
}

func (g *Guard) validateBound(ctx context.Context, r *http.Request, strict bool) Result {
	// Browsers attach the cookie on their own, so strict mode only accepts
	// a token the caller copied into the header.
	token := r.Header.Get(HeaderName)
	if token == "" && !strict {
		token = cookieValue(r)
	}
	if token == "" {
		return Result{Reason: ReasonMissing}
	}

	sctx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	data, err := g.store.Get(sctx, keyPrefix+token)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Reason: ReasonNotFound}
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "csrf").Msg("token store unavailable, failing open")
		g.report(ctx, models.EventSystemError, models.SeverityLow, map[string]any{
			"component": "csrf",
			"reason":    err.Error(),
		})
		return Result{Valid: true, FailOpen: true}
	}

	var b binding
	if err := json.Unmarshal(data, &b); err != nil {
		return Result{Reason: ReasonMalformed}
	}
	if !g.now().Before(b.ExpiresAt) {
		return Result{Reason: ReasonExpired}
	}
	if strict && r.UserAgent() != b.UserAgent {
		return Result{Reason: ReasonUserAgentMismatch}
	}
	if ip := clientIP(r); b.IP != "" && ip != b.IP {
		if g.ipStrict {
			return Result{Reason: ReasonIPMismatch}
		}
		log.Info().Str("component", "csrf").Str("bound_ip", b.IP).Str("ip", ip).Msg("csrf token used from a different address")
	}
	return Result{Valid: true}
}

func (g *Guard) report(ctx context.Context, typ models.EventType, sev models.Severity, details map[string]any) {
	if g.reporter != nil {
		g.reporter.RecordContext(ctx, typ, sev, details)
	}
}

// IsStateChanging reports whether method needs CSRF protection.
func IsStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func cookieValue(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func clientIP(r *http.Request) string {
	if rc, ok := reqctx.From(r.Context()); ok && rc.ClientIP != "" {
		return rc.ClientIP
	}
	return reqctx.ClientIP(r, false)
}
