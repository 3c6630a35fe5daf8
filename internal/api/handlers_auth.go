package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/apierr"
	"github.com/org/apiguard/internal/auth"
	"github.com/org/apiguard/internal/crypto"
	"github.com/org/apiguard/internal/pipeline"
	"github.com/org/apiguard/internal/reqctx"
	"github.com/org/apiguard/internal/storage"
	"github.com/org/apiguard/pkg/models"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

type loginResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expiresAt"`
	User      *models.Identity `json:"user"`
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// burnPasswordCheck spends a bcrypt comparison on unknown emails so their
// response time matches a wrong password.
func burnPasswordCheck(password string) {
	dummyOnce.Do(func() {
		dummyHash, _ = crypto.HashPassword("apiguard-timing-equaliser")
	})
	if dummyHash != "" {
		crypto.CheckPassword(dummyHash, password) //nolint:errcheck
	}
}

// LoginHandler handles POST /v1/auth/login
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, _ := pipeline.BodyFrom[loginRequest](ctx)
	if s.backend == nil {
		apierr.Write(w, r, apierr.ErrInternal)
		return
	}

	user, err := s.backend.GetUserByEmail(ctx, req.Email)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		burnPasswordCheck(req.Password)
		s.loginFailed(r, "", "unknown_email")
		apierr.Write(w, r, apierr.ErrInvalidCredentials)
		return
	case err != nil:
		log.Error().Err(err).Str("component", "api").Msg("loading user for login")
		apierr.Write(w, r, apierr.ErrInternal)
		return
	}
	if err := crypto.CheckPassword(user.PasswordHash, req.Password); err != nil {
		s.loginFailed(r, user.ID, "bad_password")
		apierr.Write(w, r, apierr.ErrInvalidCredentials)
		return
	}

	sessionToken, err := crypto.RandomToken()
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	now := time.Now().UTC()
	sess := &models.Session{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		Verified:  user.Verified,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Auth.SessionTTL),
	}
	if err := s.backend.CreateSession(ctx, sessionToken, sess); err != nil {
		log.Error().Err(err).Str("component", "api").Str("user_id", user.ID).Msg("creating session")
		apierr.Write(w, r, apierr.ErrInternal)
		return
	}

	id := &models.Identity{
		ID:           user.ID,
		Email:        user.Email,
		Role:         user.Role,
		Permissions:  auth.PermissionsFor(user.Role),
		SessionID:    sess.ID,
		IsVerified:   user.Verified,
		LastActivity: now,
		IssuedAt:     now,
		Source:       auth.SourceSession,
	}
	bearer, expiresAt, err := s.issuer.Issue(id)
	if err != nil {
		log.Error().Err(err).Str("component", "api").Msg("signing bearer token")
		apierr.Write(w, r, apierr.ErrInternal)
		return
	}

	if rc, ok := reqctx.From(ctx); ok {
		rc.Identity = id
	}
	details := map[string]any{"sessionId": sess.ID}
	severity := models.SeverityLow
	if s.authn.Suspicious(clientIP(r)) {
		details["suspiciousSource"] = true
		severity = models.SeverityHigh
	}
	s.authn.GrantTrust(r, id)
	s.monitor.RecordContext(ctx, models.EventLoginSuccess, severity, details)
	loginsTotal.WithLabelValues("success").Inc()

	s.setSessionCookie(w, sessionToken, sess.ExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{Token: bearer, ExpiresAt: expiresAt, User: id})
}

// loginFailed records a login_failed event. userID is set when the email
// matched an account so the per-user failure index sees it.
func (s *Server) loginFailed(r *http.Request, userID, reason string) {
	loginsTotal.WithLabelValues("failure").Inc()
	ev := models.SecurityEvent{
		Type:     models.EventLoginFailed,
		Severity: models.SeverityLow,
		UserID:   userID,
		Details:  map[string]any{"reason": reason},
	}
	if s.authn.Suspicious(clientIP(r)) {
		ev.Severity = models.SeverityHigh
		ev.Details["suspiciousSource"] = true
	}
	if rc, ok := reqctx.From(r.Context()); ok {
		ev.RequestID = rc.RequestID
		ev.IP = rc.ClientIP
		ev.Path = rc.Path
		ev.Method = rc.Method
	}
	s.monitor.Record(ev)
}

// LogoutHandler handles POST /v1/auth/logout
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := reqctx.IdentityFrom(ctx)
	if id.SessionID != "" && s.backend != nil {
		if err := s.backend.DeleteSession(ctx, id.SessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("component", "api").Str("user_id", id.ID).Msg("deleting session")
			apierr.Write(w, r, apierr.ErrInternal)
			return
		}
	}
	s.monitor.RecordContext(ctx, models.EventLogout, models.SeverityLow, map[string]any{
		"sessionId": id.SessionID,
	})
	s.setSessionCookie(w, "", time.Time{})
	w.WriteHeader(http.StatusNoContent)
}

// MeHandler handles GET /v1/me
func (s *Server) MeHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := reqctx.IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"data": id})
}
