// Package auth resolves request identities from session cookies or signed
// bearer tokens and makes role and permission decisions over them.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/config"
	"github.com/org/apiguard/internal/reqctx"
	"github.com/org/apiguard/pkg/models"
)

// Identity sources.
const (
	SourceSession = "session"
	SourceBearer  = "bearer"
)

// SessionProvider is the external identity provider. storage.PostgresBackend
// satisfies it.
type SessionProvider interface {
	// LookupSession resolves a raw session cookie value. It returns an
	// error wrapping a not-found sentinel for unknown sessions.
	LookupSession(ctx context.Context, token string) (*models.Session, error)
	// SessionActive reports whether the session with the given id still
	// exists.
	SessionActive(ctx context.Context, sessionID string) (bool, error)
}

// TrustMarker receives successful authentications. *ratelimit.Limiter
// satisfies it.
type TrustMarker interface {
	MarkTrusted(userID string)
}

// SuspicionChecker answers whether a source address is currently marked
// suspicious. *monitor.Monitor satisfies it.
type SuspicionChecker interface {
	IsSuspicious(ip string) bool
}

// Authenticator resolves the caller of a request.
type Authenticator struct {
	sessions      SessionProvider
	tokens        *TokenIssuer
	trust         TrustMarker
	suspicion     SuspicionChecker
	cookieName    string
	maxAge        time.Duration
	maxElevated   time.Duration
	lookupTimeout time.Duration
	now           func() time.Time
}

// AuthenticatorOption customises an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithAuthClock replaces time.Now, for tests.
func WithAuthClock(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		a.now = now
		if a.tokens != nil {
			a.tokens.now = now
		}
	}
}

// WithLookupTimeout bounds each identity provider call.
func WithLookupTimeout(d time.Duration) AuthenticatorOption {
	return func(a *Authenticator) { a.lookupTimeout = d }
}

// NewAuthenticator builds an Authenticator. sessions, trust and suspicion
// may be nil. Identities resolved from a suspicious address are never marked
// trusted.
func NewAuthenticator(sessions SessionProvider, tokens *TokenIssuer, trust TrustMarker, suspicion SuspicionChecker, cfg config.AuthConfig, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		sessions:      sessions,
		tokens:        tokens,
		trust:         trust,
		suspicion:     suspicion,
		cookieName:    cfg.SessionCookie,
		maxAge:        cfg.MaxSessionAge,
		maxElevated:   cfg.MaxElevatedSession,
		lookupTimeout: 2 * time.Second,
		now:           time.Now,
	}
	if a.cookieName == "" {
		a.cookieName = "sid"
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// CookieName is the session cookie the authenticator reads.
func (a *Authenticator) CookieName() string { return a.cookieName }

// Authenticate tries the session cookie, then the bearer token. It returns
// false when neither yields a live identity. Provider errors are treated as
// no identity.
func (a *Authenticator) Authenticate(r *http.Request) (*models.Identity, bool) {
	ctx := r.Context()

	if c, err := r.Cookie(a.cookieName); err == nil && c.Value != "" {
		if id := a.fromSession(ctx, c.Value); id != nil {
			return a.accept(r, id), true
		}
	}

	if token := BearerToken(r); token != "" {
		if id := a.fromBearer(ctx, token); id != nil {
			return a.accept(r, id), true
		}
	}
	return nil, false
}

// Suspicious reports whether ip is currently marked suspicious.
func (a *Authenticator) Suspicious(ip string) bool {
	return ip != "" && a.suspicion != nil && a.suspicion.IsSuspicious(ip)
}

// GrantTrust marks id trusted unless the request came from a suspicious
// address. It reports whether the marker was granted.
func (a *Authenticator) GrantTrust(r *http.Request, id *models.Identity) bool {
	if a.trust == nil || id == nil || id.ID == "" {
		return false
	}
	if ip := requestIP(r); a.Suspicious(ip) {
		log.Info().Str("component", "auth").Str("user_id", id.ID).Str("ip", ip).Msg("withholding trusted marker from suspicious source")
		return false
	}
	a.trust.MarkTrusted(id.ID)
	return true
}

func (a *Authenticator) fromSession(ctx context.Context, token string) *models.Identity {
	if a.sessions == nil {
		return nil
	}
	lctx, cancel := a.lookupContext(ctx)
	defer cancel()

	s, err := a.sessions.LookupSession(lctx, token)
	if err != nil {
		if !isNotFound(err) {
			log.Warn().Err(err).Str("component", "auth").Msg("session lookup failed, treating as unauthenticated")
		}
		return nil
	}
	now := a.now()
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return nil
	}
	if a.tooOld(s.Role, s.CreatedAt, now) {
		log.Debug().Str("component", "auth").Str("user_id", s.UserID).Msg("session exceeded maximum age")
		return nil
	}
	return &models.Identity{
		ID:         s.UserID,
		Email:      s.Email,
		Role:       s.Role,
		SessionID:  s.ID,
		IsVerified: s.Verified,
		IssuedAt:   s.CreatedAt,
		Source:     SourceSession,
	}
}

func (a *Authenticator) fromBearer(ctx context.Context, token string) *models.Identity {
	if a.tokens == nil {
		return nil
	}
	id, err := a.tokens.Verify(token)
	if err != nil {
		return nil
	}
	if a.tooOld(id.Role, id.IssuedAt, a.now()) {
		return nil
	}
	// A token minted for a session dies with it, so logout is effective for
	// bearer callers too.
	if id.SessionID != "" && a.sessions != nil {
		lctx, cancel := a.lookupContext(ctx)
		defer cancel()
		active, err := a.sessions.SessionActive(lctx, id.SessionID)
		if err != nil {
			log.Warn().Err(err).Str("component", "auth").Msg("session check failed, treating as unauthenticated")
			return nil
		}
		if !active {
			return nil
		}
	}
	return id
}

func (a *Authenticator) accept(r *http.Request, id *models.Identity) *models.Identity {
	id.LastActivity = a.now().UTC()
	id.Permissions = PermissionsFor(id.Role)
	a.GrantTrust(r, id)
	return id
}

func requestIP(r *http.Request) string {
	if rc, ok := reqctx.From(r.Context()); ok && rc.ClientIP != "" {
		return rc.ClientIP
	}
	return reqctx.ClientIP(r, false)
}

// tooOld applies the per-role session age ceiling.
func (a *Authenticator) tooOld(role models.Role, issued, now time.Time) bool {
	if issued.IsZero() {
		return false
	}
	limit := a.maxAge
	if role.Level() > models.RoleUser.Level() && a.maxElevated > 0 {
		limit = a.maxElevated
	}
	return limit > 0 && now.Sub(issued) > limit
}

func (a *Authenticator) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.lookupTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.lookupTimeout)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// notFounder lets provider packages mark their not-found errors without
// auth importing them.
type notFounder interface{ NotFound() bool }

func isNotFound(err error) bool {
	var nf notFounder
	return errors.As(err, &nf) && nf.NotFound()
}
